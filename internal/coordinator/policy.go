package coordinator

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionStart
	ActionStop
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Action is a session decision. Persist asks the caller to store
// ReaderIndex as the new reader preference.
type Action struct {
	Kind        ActionKind
	ReaderIndex int
	Persist     bool
}

// Decide picks the session action for a reader enumeration. First match wins:
// already listening, no readers, a valid selection, a lone reader, otherwise
// wait for the user.
func Decide(readers []string, selected int, listening bool) Action {
	switch {
	case listening:
		return Action{Kind: ActionNone}
	case len(readers) == 0:
		return Action{Kind: ActionNone}
	case selected >= 0 && selected < len(readers):
		return Action{Kind: ActionStart, ReaderIndex: selected}
	case len(readers) == 1:
		return Action{Kind: ActionStart, ReaderIndex: 0, Persist: true}
	default:
		return Action{Kind: ActionNone}
	}
}

// OnEnumeration is the decision for a fresh reader list: an active session on
// an empty list is stopped regardless of Decide.
func OnEnumeration(readers []string, selected int, listening bool) Action {
	if listening && len(readers) == 0 {
		return Action{Kind: ActionStop}
	}
	return Decide(readers, selected, listening)
}
