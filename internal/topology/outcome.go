package topology

// OutcomeKind classifies the result of a reload request.
type OutcomeKind int

const (
	// NoOp means the new config produced no structural change.
	NoOp OutcomeKind = iota
	// Applied means the running topology now reflects the new config.
	Applied
	// Rejected means the new config was refused and the running topology is untouched.
	Rejected
	// FatalError means the topology may be in an unknown state and must be shut down.
	FatalError
)

func (k OutcomeKind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case FatalError:
		return "fatal"
	}
	return "unknown"
}

// Outcome is what a reload produced. Errors is set for Rejected, Err for FatalError.
type Outcome struct {
	Kind   OutcomeKind
	Errors []string
	Err    error
}

func (o Outcome) IsFatal() bool { return o.Kind == FatalError }
