package pipeline

import (
	"net"
	"net/http"
	"sort"
	"strings"
)

// ClientKey identifies the caller for rate limiting: the first X-Forwarded-For entry
// when the header is trusted, else the remote host.
func ClientKey(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// ServiceResolver maps a request path to the circuit that guards it.
type ServiceResolver struct {
	suffix         string
	defaultService string
	overrides      []override // longest prefix first
}

type override struct {
	prefix  string
	service string
}

func NewServiceResolver(suffix, defaultService string, byPath map[string]string) *ServiceResolver {
	overrides := make([]override, 0, len(byPath))
	for prefix, service := range byPath {
		overrides = append(overrides, override{prefix: strings.TrimRight(prefix, "/"), service: service})
	}
	sort.Slice(overrides, func(i, j int) bool {
		return len(overrides[i].prefix) > len(overrides[j].prefix)
	})

	return &ServiceResolver{
		suffix:         suffix,
		defaultService: defaultService,
		overrides:      overrides,
	}
}

// Resolve checks explicit prefix overrides first, then falls back to the second path
// segment plus the suffix, so /api/users/42 becomes users-service.
func (s *ServiceResolver) Resolve(path string) string {
	for _, o := range s.overrides {
		if path == o.prefix || strings.HasPrefix(path, o.prefix+"/") {
			return o.service
		}
	}

	segments := strings.Split(path, "/")
	for len(segments) > 0 && segments[len(segments)-1] == "" {
		segments = segments[:len(segments)-1]
	}
	if len(segments) > 2 && segments[2] != "" {
		return segments[2] + s.suffix
	}
	return s.defaultService
}
