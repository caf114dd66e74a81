package remote

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusQueued indicates the run is waiting to start.
	StatusQueued Status = "queued"
	// StatusInProgress indicates the run is executing.
	StatusInProgress Status = "in_progress"
	// StatusRequiresAction indicates the run waits for tool outputs. The relay
	// does not resolve tool calls and keeps polling.
	StatusRequiresAction Status = "requires_action"
	// StatusCompleted indicates the run finished and its output is available.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed; LastError holds the detail.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was cancelled remotely.
	StatusCancelled Status = "cancelled"
	// StatusExpired indicates the run expired remotely.
	StatusExpired Status = "expired"
)

// Terminal reports whether s is one of the terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Pending reports whether s is one of the non-terminal statuses the relay
// keeps polling.
func (s Status) Pending() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusRequiresAction:
		return true
	default:
		return false
	}
}

// Known reports whether s is a recognized status.
func (s Status) Known() bool {
	return s.Terminal() || s.Pending()
}
