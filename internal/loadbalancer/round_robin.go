package loadbalancer

import "sync/atomic"

type RoundRobin struct {
	next atomic.Uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Next(targets []string) string {
	if len(targets) == 0 {
		return ""
	}

	n := r.next.Add(1) - 1
	return targets[n%uint64(len(targets))]
}

func (r *RoundRobin) Name() string {
	return "round_robin"
}
