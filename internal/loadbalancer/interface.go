package loadbalancer

type Strategy interface {
	// Selects the next target from available targets
	Next(targets []string) string

	// Returns the strategy name
	Name() string
}

// ConnectionTracker is implemented by strategies that need to know when a
// request to a target starts and ends.
type ConnectionTracker interface {
	Acquire(target string)
	Release(target string)
}
