package engine

// Status is how an instance run ended.
type Status uint8

const (
	StatusCompleted Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of Run. Err is nil for completed and cancelled
// runs.
type Outcome struct {
	Status    Status
	ExitCode  uint32
	Stdout    string
	Stderr    string
	Truncated bool
	Err       error
}
