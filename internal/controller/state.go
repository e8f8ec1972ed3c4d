package controller

// State is the lifecycle state of the controlled call.
type State int

const (
	Idle State = iota
	Dialing
	Active
	Completing
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dialing:
		return "dialing"
	case Active:
		return "active"
	case Completing:
		return "completing"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanStart reports whether a new call may be placed from s.
func (s State) CanStart() bool {
	return s == Idle || s == Terminated || s == Failed
}
