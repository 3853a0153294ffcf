package cmd

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var backendOpts struct {
	port         int
	failureRatio float64
	latency      time.Duration
}

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run a dummy upstream that fails a configurable share of requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if backendOpts.failureRatio < 0 || backendOpts.failureRatio > 1 {
			return errors.New("--failure-ratio must be between 0 and 1")
		}

		gin.SetMode(gin.ReleaseMode)
		addr := fmt.Sprintf(":%d", backendOpts.port)
		h := newBackend(addr, backendOpts.failureRatio, backendOpts.latency, rand.Float64)

		fmt.Fprintf(cmd.OutOrStdout(), "dummy backend listening on %s (failure ratio %.2f)\n", addr, backendOpts.failureRatio)
		return http.ListenAndServe(addr, h)
	},
}

func init() {
	backendCmd.Flags().IntVar(&backendOpts.port, "port", 3001, "port to listen on")
	backendCmd.Flags().Float64Var(&backendOpts.failureRatio, "failure-ratio", 0, "share of requests answered with 500, between 0 and 1")
	backendCmd.Flags().DurationVar(&backendOpts.latency, "latency", 0, "delay added before every response")
}

// newBackend answers every path with a small JSON body, or a 500 when roll() falls
// below failureRatio.
func newBackend(name string, failureRatio float64, latency time.Duration, roll func() float64) http.Handler {
	r := gin.New()
	r.NoRoute(func(c *gin.Context) {
		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-c.Request.Context().Done():
				return
			}
		}

		if roll() < failureRatio {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "injected failure",
				"backend": name,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Hello from dummy backend",
			"backend": name,
			"path":    c.Request.URL.Path,
		})
	})
	return r
}
