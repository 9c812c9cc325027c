package jsonguard

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Guard states.
const (
	StateGenerating = "generating"
	StateValidating = "validating"
	StateRepairing  = "repairing"
	StateAccepted   = "accepted"
	StateExhausted  = "exhausted"
	StateCancelled  = "cancelled"
)

// Guard events.
const (
	EventGenerated = "generated"
	EventRepaired  = "repaired"
	EventAccept    = "accept"
	EventReject    = "reject"
	EventExhaust   = "exhaust"
	EventCancel    = "cancel"
)

func guardEvents() fsm.Events {
	return fsm.Events{
		{Name: EventGenerated, Src: []string{StateGenerating}, Dst: StateValidating},
		{Name: EventRepaired, Src: []string{StateRepairing}, Dst: StateValidating},
		{Name: EventAccept, Src: []string{StateValidating}, Dst: StateAccepted},
		{Name: EventReject, Src: []string{StateValidating}, Dst: StateRepairing},
		{Name: EventExhaust, Src: []string{StateValidating}, Dst: StateExhausted},
		{
			Name: EventCancel,
			Src:  []string{StateGenerating, StateValidating, StateRepairing},
			Dst:  StateCancelled,
		},
	}
}

func newMachine(logger zerolog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateGenerating,
		guardEvents(),
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				logger.Debug().
					Str("event", e.Event).
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("json guard transition")
			},
		},
	)
}
