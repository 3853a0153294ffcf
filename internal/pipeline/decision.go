package pipeline

type Decision int

const (
	DecisionAdmitted Decision = iota
	DecisionRateLimited
	DecisionCircuitOpen
	DecisionDownstreamError
)

func (d Decision) String() string {
	switch d {
	case DecisionAdmitted:
		return "admitted"
	case DecisionRateLimited:
		return "rate-limited"
	case DecisionCircuitOpen:
		return "circuit-open"
	case DecisionDownstreamError:
		return "downstream-error"
	default:
		return "unknown"
	}
}
