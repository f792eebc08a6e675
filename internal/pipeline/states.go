package pipeline

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

type State string

const (
	StateReceived           State = "Received"
	StatePersistedUser      State = "PersistedUser"
	StateContextLoaded      State = "ContextLoaded"
	StateAugmented          State = "Augmented"
	StateGenerated          State = "Generated"
	StatePersistedAssistant State = "PersistedAssistant"
	StateDispatched         State = "Dispatched"
	StateFailed             State = "Failed"
)

type Trigger string

const (
	TriggerUserStored      Trigger = "UserStored"
	TriggerContextLoaded   Trigger = "ContextLoaded"
	TriggerAugmented       Trigger = "Augmented"
	TriggerGenerated       Trigger = "Generated"
	TriggerAssistantStored Trigger = "AssistantStored"
	TriggerDispatched      Trigger = "Dispatched"
	TriggerFail            Trigger = "Fail"
)

// newMachine builds the per-request state machine. onFail runs on entry to
// Failed with the error passed to Fire.
func newMachine(onTransition func(from, to State), onFail func(ctx context.Context, err error)) *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateReceived)

	sm.Configure(StateReceived).
		Permit(TriggerUserStored, StatePersistedUser).
		Permit(TriggerFail, StateFailed)
	sm.Configure(StatePersistedUser).
		Permit(TriggerContextLoaded, StateContextLoaded).
		Permit(TriggerFail, StateFailed)
	sm.Configure(StateContextLoaded).
		Permit(TriggerAugmented, StateAugmented).
		Permit(TriggerFail, StateFailed)
	sm.Configure(StateAugmented).
		Permit(TriggerGenerated, StateGenerated).
		Permit(TriggerFail, StateFailed)
	// A reply exists from Generated on, so storage problems no longer fail
	// the request.
	sm.Configure(StateGenerated).
		Permit(TriggerAssistantStored, StatePersistedAssistant)
	sm.Configure(StatePersistedAssistant).
		Permit(TriggerDispatched, StateDispatched)
	sm.Configure(StateDispatched)
	sm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, args ...any) error {
			if onFail == nil {
				return nil
			}
			var err error
			if len(args) > 0 {
				err, _ = args[0].(error)
			}
			onFail(ctx, err)
			return nil
		})

	if onTransition != nil {
		sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
			onTransition(t.Source.(State), t.Destination.(State))
		})
	}
	return sm
}

func currentState(sm *stateless.StateMachine) State {
	s, ok := sm.MustState().(State)
	if !ok {
		panic(fmt.Sprintf("pipeline: unexpected state type %T", sm.MustState()))
	}
	return s
}
