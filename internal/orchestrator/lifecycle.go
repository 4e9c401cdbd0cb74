package orchestrator

import (
	"fmt"

	"github.com/obot-platform/workbench/internal/model"
)

// State is a workspace lifecycle state. Values are the persisted strings
// from the model package.
type State string

const (
	StateUnconfigured = State(model.WorkspaceStateUnconfigured)
	StateStopped      = State(model.WorkspaceStateStopped)
	StateStarting     = State(model.WorkspaceStateStarting)
	StateStarted      = State(model.WorkspaceStateStarted)
	StateStopping     = State(model.WorkspaceStateStopping)
	StateDeleting     = State(model.WorkspaceStateDeleting)
	StateDeleted      = State(model.WorkspaceStateDeleted)
)

// Event is a lifecycle input.
type Event string

const (
	// EventConfigure records the provisioning descriptor. One-shot.
	EventConfigure Event = "configure"
	// EventStart asks for the sandbox to be provisioned.
	EventStart Event = "start"
	// EventStartSucceeded reports the sandbox up and reachable.
	EventStartSucceeded Event = "start_succeeded"
	// EventStartFailed reports provisioning failure.
	EventStartFailed Event = "start_failed"
	// EventStop asks for the sandbox to be torn down.
	EventStop Event = "stop"
	// EventStopFinished reports teardown complete (successful or not; a
	// failed teardown still lands in stopped with the error recorded).
	EventStopFinished Event = "stop_finished"
	// EventDelete asks for the workspace's resources to be released.
	EventDelete Event = "delete"
	// EventDeleteFinished reports resource release complete.
	EventDeleteFinished Event = "delete_finished"
)

// Effect is a side effect the caller must perform after a transition. The
// transition function itself never does I/O.
type Effect int

const (
	// EffectProvision starts the sandbox.
	EffectProvision Effect = iota
	// EffectTeardown stops the sandbox.
	EffectTeardown
	// EffectRelease destroys the sandbox's resources.
	EffectRelease
	// EffectNotifyStopped appends a best-effort conversation notice that
	// the sandbox stopped.
	EffectNotifyStopped
	// EffectNotifyDeleted appends a best-effort conversation notice that
	// the workspace was deleted.
	EffectNotifyDeleted
)

func (e Effect) String() string {
	switch e {
	case EffectProvision:
		return "provision"
	case EffectTeardown:
		return "teardown"
	case EffectRelease:
		return "release"
	case EffectNotifyStopped:
		return "notify_stopped"
	case EffectNotifyDeleted:
		return "notify_deleted"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// Transition applies event to state and returns the next state plus the
// effects the caller must run. An invalid pairing returns an error and
// leaves the state unchanged.
func Transition(state State, event Event) (State, []Effect, error) {
	switch event {
	case EventConfigure:
		if state != StateUnconfigured {
			return state, nil, fmt.Errorf("workspace already configured (state %s)", state)
		}
		return StateStopped, nil, nil

	case EventStart:
		switch state {
		case StateStopped, StateDeleted:
			return StateStarting, []Effect{EffectProvision}, nil
		case StateStarting, StateStarted:
			// Already up or on the way; nothing to do.
			return state, nil, nil
		}

	case EventStartSucceeded:
		if state == StateStarting {
			return StateStarted, nil, nil
		}

	case EventStartFailed:
		if state == StateStarting {
			return StateStopped, []Effect{EffectNotifyStopped}, nil
		}

	case EventStop:
		switch state {
		case StateStarting, StateStarted:
			return StateStopping, []Effect{EffectTeardown}, nil
		case StateStopping, StateStopped:
			return state, nil, nil
		}

	case EventStopFinished:
		if state == StateStopping {
			return StateStopped, []Effect{EffectNotifyStopped}, nil
		}

	case EventDelete:
		switch state {
		case StateStarted, StateStarting:
			return StateDeleting, []Effect{EffectTeardown, EffectRelease}, nil
		case StateStopped:
			return StateDeleting, []Effect{EffectRelease}, nil
		case StateDeleting, StateDeleted:
			return state, nil, nil
		}

	case EventDeleteFinished:
		if state == StateDeleting {
			return StateDeleted, []Effect{EffectNotifyDeleted}, nil
		}

	default:
		return state, nil, fmt.Errorf("unknown lifecycle event %q", event)
	}

	return state, nil, fmt.Errorf("event %s not valid in state %s", event, state)
}
