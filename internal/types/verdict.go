package types

// Confidence is an ordinal correlation tier; lower is better
type Confidence int

const (
	ConfidenceExact Confidence = iota
	ConfidenceHigh
	ConfidenceMedium
	ConfidenceLow
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceExact:
		return "exact"
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceLow:
		return "low"
	default:
		return "none"
	}
}

// Verdict is the result of correlating one call-log record against one
// pending call
type Verdict struct {
	Matched        bool
	Confidence     Confidence
	Reason         string
	Outcome        CallOutcome
	IdempotencyKey string
}
