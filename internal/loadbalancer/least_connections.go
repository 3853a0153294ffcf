package loadbalancer

import "sync"

// LeastConnections picks the target with the fewest in-flight requests; ties go to
// the earliest target in the list.
type LeastConnections struct {
	mu          sync.Mutex
	connections map[string]int
}

func NewLeastConnections() *LeastConnections {
	return &LeastConnections{
		connections: make(map[string]int),
	}
}

func (l *LeastConnections) Next(targets []string) string {
	if len(targets) == 0 {
		return ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	selected := targets[0]
	minConn := l.connections[selected]
	for _, target := range targets[1:] {
		if conn := l.connections[target]; conn < minConn {
			minConn = conn
			selected = target
		}
	}
	return selected
}

func (l *LeastConnections) Acquire(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connections[target]++
}

func (l *LeastConnections) Release(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connections[target] <= 1 {
		delete(l.connections, target)
		return
	}
	l.connections[target]--
}

func (l *LeastConnections) Active(target string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connections[target]
}

func (l *LeastConnections) Name() string {
	return "least_connections"
}
