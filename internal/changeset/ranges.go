package changeset

import "fmt"

// RangeAction is the kind of a range notification.
type RangeAction int

const (
	ActionAdd RangeAction = iota
	ActionRemove
	ActionReset
)

func (a RangeAction) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	case ActionReset:
		return "reset"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// RangeEvent is a list-binding style notification.
type RangeEvent struct {
	Action     RangeAction
	StartIndex int
	Count      int
}

// Contiguous reports whether indices form one ascending run without gaps and returns its start.
func Contiguous(indices []int) (int, bool) {
	if len(indices) == 0 {
		return 0, false
	}
	for i := 1; i < len(indices); i++ {
		if indices[i] != indices[i-1]+1 {
			return 0, false
		}
	}
	return indices[0], true
}

// Translate converts a ChangeSet into range notifications. Anything that cannot be
// expressed as a single contiguous add or remove becomes a reset.
func Translate(cs ChangeSet) []RangeEvent {
	inserted := cs.inserted
	deleted := cs.deleted
	switch {
	case len(inserted) == 0 && len(deleted) == 0:
		return nil
	case len(inserted) > 0 && len(deleted) > 0:
		return []RangeEvent{{Action: ActionReset, StartIndex: -1}}
	case len(deleted) > 0:
		start, ok := Contiguous(deleted)
		if !ok {
			return []RangeEvent{{Action: ActionReset, StartIndex: -1}}
		}
		return []RangeEvent{{Action: ActionRemove, StartIndex: start, Count: len(deleted)}}
	default:
		start, ok := Contiguous(inserted)
		if !ok {
			return []RangeEvent{{Action: ActionReset, StartIndex: -1}}
		}
		return []RangeEvent{{Action: ActionAdd, StartIndex: start, Count: len(inserted)}}
	}
}
