package opqueue

// State is the lifecycle state of a Submission.
type State int32

const (
	Pending State = iota
	Executing
	Succeeded
	Failed
	Cancelled
)

// Terminal reports whether s is one of Succeeded, Failed or Cancelled.
func (s State) Terminal() bool {
	return s >= Succeeded
}

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
