package session

// State is the lifecycle state of an engine.
//
//	Created -> Started -> Consuming -> Stopping -> Stopped | Faulted
//
// A failed native start goes straight from Created to Faulted. Stopped and
// Faulted engines can be started again.
type State int32

const (
	Created State = iota
	Started
	Consuming
	Stopping
	Stopped
	Faulted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Consuming:
		return "consuming"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Active reports whether a native handle may be open in this state.
func (s State) Active() bool {
	return s == Started || s == Consuming || s == Stopping
}

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == Stopped || s == Faulted
}

// StopReason records why a session ended.
type StopReason int32

const (
	ReasonNone StopReason = iota
	ReasonTime
	ReasonBytes
	ReasonCancelled
	ReasonCompleted
	ReasonFault
)

func (r StopReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTime:
		return "time"
	case ReasonBytes:
		return "bytes"
	case ReasonCancelled:
		return "cancelled"
	case ReasonCompleted:
		return "completed"
	case ReasonFault:
		return "fault"
	default:
		return "unknown"
	}
}
