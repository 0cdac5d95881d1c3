package engine

// State is the lifecycle position of a crawl run.
type State int32

const (
	// StateIdle means the engine has not started.
	StateIdle State = iota

	// StateSeeding means listing pages are being paginated for seed URLs.
	StateSeeding

	// StateRunning means workers are pulling from the frontier.
	StateRunning

	// StateDraining means a stop was requested and in-flight fetches are
	// being waited out.
	StateDraining

	// StateCompleted means the run finished and flushed its final checkpoint.
	StateCompleted

	// StateFailed means the run could not start or could not flush.
	StateFailed
)

// String returns the string representation of a state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSeeding:
		return "seeding"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
