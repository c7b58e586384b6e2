package process

// State is the lifecycle state of a Process.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no child is alive in this state.
func (s State) Terminal() bool { return s == StateStopped || s == StateCrashed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
