package circuitbreaker

type State int

const (
	// StateClosed - normal operation, every call passes and its outcome is windowed
	StateClosed State = iota

	// StateOpen - calls fail fast until the wait duration elapses
	StateOpen

	// StateHalfOpen - a fixed number of trial calls decide whether to close or reopen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}
