package node

// State is a stage of the node lifecycle.
type State int32

const (
	StateIdle State = iota
	StateDialing
	StateListening
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateListening:
		return "listening"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
