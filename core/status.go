package core

// Status is the lifecycle state shared by compression flushes and
// transfer batches. A compression flush only ever reports StatusComplete
// or StatusError.
type Status int32

const (
	StatusPending Status = iota
	StatusCancelled
	StatusError
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusError || s == StatusComplete
}
