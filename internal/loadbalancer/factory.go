package loadbalancer

import (
	"fmt"
	"strings"
)

// Accepted spellings for each strategy. The empty name selects round robin.
var constructors = map[string]func() Strategy{
	"":                  func() Strategy { return NewRoundRobin() },
	"round_robin":       func() Strategy { return NewRoundRobin() },
	"random":            func() Strategy { return NewRandom() },
	"least_connections": func() Strategy { return NewLeastConnections() },
}

func normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

// Known reports whether NewStrategy accepts name.
func Known(name string) bool {
	_, ok := constructors[normalize(name)]
	return ok
}

// NewStrategy builds a fresh strategy; every route gets its own instance so
// round-robin cursors and connection counts are not shared across routes.
func NewStrategy(name string) (Strategy, error) {
	build, ok := constructors[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("unknown load balancing strategy: %s", name)
	}
	return build(), nil
}
