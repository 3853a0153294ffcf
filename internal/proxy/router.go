package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/loadbalancer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	// ErrDownstream marks a request whose backend call failed or timed out.
	ErrDownstream = errors.New("downstream call failed")

	// ErrNoRoute marks a request whose path matches no configured route.
	ErrNoRoute = errors.New("no route for path")
)

const defaultTimeout = 30 * time.Second

type Route struct {
	Prefix       string
	Targets      []string
	LoadBalancer string
	Timeout      time.Duration
}

// Router forwards requests to the route with the longest matching path prefix.
type Router struct {
	routes []*route
	logger *zap.Logger
}

type route struct {
	prefix   string
	targets  []string
	proxies  map[string]*httputil.ReverseProxy
	balancer loadbalancer.Strategy
	timeout  time.Duration
}

// outcome is filled in by the reverse proxy's error handler.
type outcome struct {
	err error
}

type outcomeKey struct{}

func NewRouter(routes []Route, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{logger: logger}

	for _, cfg := range routes {
		rt, err := newRoute(cfg)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", cfg.Prefix, err)
		}
		r.routes = append(r.routes, rt)
		logger.Info("registered route",
			zap.String("prefix", rt.prefix),
			zap.Strings("targets", rt.targets),
			zap.String("load_balancer", rt.balancer.Name()),
		)
	}

	sort.Slice(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})

	return r, nil
}

func newRoute(cfg Route) (*route, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}

	lb, err := loadbalancer.NewStrategy(cfg.LoadBalancer)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	proxies := make(map[string]*httputil.ReverseProxy, len(cfg.Targets))
	for _, targetURL := range cfg.Targets {
		target, err := url.Parse(targetURL)
		if err != nil {
			return nil, err
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("target %q must be an absolute URL", targetURL)
		}

		rp := httputil.NewSingleHostReverseProxy(target)
		director := rp.Director
		rp.Director = func(req *http.Request) {
			director(req)
			req.Header.Set("X-Forwarded-Host", req.Host)
			req.Host = target.Host
		}
		rp.ErrorHandler = func(_ http.ResponseWriter, req *http.Request, err error) {
			if o, ok := req.Context().Value(outcomeKey{}).(*outcome); ok {
				o.err = err
			}
		}
		proxies[targetURL] = rp
	}

	return &route{
		prefix:   strings.TrimRight(cfg.Prefix, "/"),
		targets:  cfg.Targets,
		proxies:  proxies,
		balancer: lb,
		timeout:  timeout,
	}, nil
}

func (r *Router) match(path string) *route {
	for _, rt := range r.routes {
		if path == rt.prefix || strings.HasPrefix(path, rt.prefix+"/") || rt.prefix == "" {
			return rt
		}
	}
	return nil
}

// Handle forwards the request to a backend picked by the route's balancer. Failures
// are attached to the gin context as ErrDownstream so the breaker sees them.
func (r *Router) Handle(c *gin.Context) {
	rt := r.match(c.Request.URL.Path)
	if rt == nil {
		_ = c.Error(fmt.Errorf("%w: %s", ErrNoRoute, c.Request.URL.Path))
		c.JSON(http.StatusNotFound, gin.H{
			"error": "No route for path",
			"path":  c.Request.URL.Path,
		})
		return
	}

	target := rt.balancer.Next(rt.targets)
	rp := rt.proxies[target]

	if tracker, ok := rt.balancer.(loadbalancer.ConnectionTracker); ok {
		tracker.Acquire(target)
		defer tracker.Release(target)
	}

	// A client disconnect must not cancel the backend call, or the breaker would
	// never learn how it ended.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), rt.timeout)
	defer cancel()

	result := &outcome{}
	ctx = context.WithValue(ctx, outcomeKey{}, result)

	req := c.Request.Clone(ctx)

	c.Header("X-Backend-Server", target)

	if aborted := serve(rp, c.Writer, req); aborted {
		// client went away mid-response; the status already written stands
		c.Abort()
		return
	}

	if result.err == nil {
		return
	}

	status := http.StatusBadGateway
	message := "Bad gateway"
	if errors.Is(result.err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
		message = "Upstream timeout"
	}

	r.logger.Warn("downstream call failed",
		zap.String("target", target),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Error(result.err),
	)

	_ = c.Error(fmt.Errorf("%w: %s: %w", ErrDownstream, target, result.err))
	if !c.Writer.Written() {
		c.JSON(status, gin.H{
			"error":  message,
			"target": target,
		})
	}
}

// serve runs the reverse proxy and reports whether it aborted because the client
// connection broke while the response was being copied.
func serve(rp *httputil.ReverseProxy, w http.ResponseWriter, req *http.Request) (aborted bool) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec != http.ErrAbortHandler {
				panic(rec)
			}
			aborted = true
		}
	}()

	rp.ServeHTTP(w, req)
	return false
}

func (r *Router) Prefixes() []string {
	prefixes := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		prefixes = append(prefixes, rt.prefix)
	}
	return prefixes
}
