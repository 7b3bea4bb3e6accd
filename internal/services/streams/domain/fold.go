package domain

import "fmt"

// Fold applies one committed event to state.
//
// Fold writes into state's maps, so callers fold into a Clone of a published
// state. It returns an error when the event does not directly follow the
// state's last offset or, for chunks, the last chunk sequence.
func Fold(state State, evt Event) (State, error) {
	meta := evt.Metadata()
	if meta.Offset != state.LastOffset+1 {
		return state, fmt.Errorf("session fold %s: offset %d does not follow %d", evt.Kind(), meta.Offset, state.LastOffset)
	}

	switch e := evt.(type) {
	case BoundaryEvent:
		switch e.Boundary {
		case BoundaryStart:
			state.Generation = &Generation{MessageID: e.MessageID, StartedAt: e.At, State: GenerationActive}
		case BoundaryFinish:
			state.Generation = nil
		default:
			return state, fmt.Errorf("session fold %s: unknown boundary %q", evt.Kind(), e.Boundary)
		}
	case ChunkEvent:
		if e.Sequence != state.LastSequence+1 {
			return state, fmt.Errorf("session fold %s: sequence %d does not follow %d", evt.Kind(), e.Sequence, state.LastSequence)
		}
		state.LastSequence = e.Sequence
	case ApprovalEvent:
		delete(state.Pending, e.ApprovalID)
		state.Resolved.Add(e.ApprovalID)
	default:
		return state, fmt.Errorf("session fold: unknown event type %T", evt)
	}

	state.LastOffset = meta.Offset
	if meta.Marker != "" {
		state.LastMarker = meta.Marker
	}
	if !meta.At.IsZero() {
		state.UpdatedAt = meta.At
	}
	return state, nil
}

// Replay folds events onto state in log order.
func Replay(state State, events []Event) (State, error) {
	for _, evt := range events {
		var err error
		state, err = Fold(state, evt)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}
