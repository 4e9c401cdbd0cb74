package orchestrator

import (
	"reflect"
	"testing"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		event   Event
		want    State
		effects []Effect
		wantErr bool
	}{
		{"configure", StateUnconfigured, EventConfigure, StateStopped, nil, false},
		{"configure twice", StateStopped, EventConfigure, StateStopped, nil, true},
		{"configure while started", StateStarted, EventConfigure, StateStarted, nil, true},

		{"start from stopped", StateStopped, EventStart, StateStarting, []Effect{EffectProvision}, false},
		{"start from deleted", StateDeleted, EventStart, StateStarting, []Effect{EffectProvision}, false},
		{"start while starting is idempotent", StateStarting, EventStart, StateStarting, nil, false},
		{"start while started is idempotent", StateStarted, EventStart, StateStarted, nil, false},
		{"start unconfigured", StateUnconfigured, EventStart, StateUnconfigured, nil, true},

		{"start succeeded", StateStarting, EventStartSucceeded, StateStarted, nil, false},
		{"start succeeded out of order", StateStopped, EventStartSucceeded, StateStopped, nil, true},
		{"start failed", StateStarting, EventStartFailed, StateStopped, []Effect{EffectNotifyStopped}, false},

		{"stop from started", StateStarted, EventStop, StateStopping, []Effect{EffectTeardown}, false},
		{"stop aborts provisioning", StateStarting, EventStop, StateStopping, []Effect{EffectTeardown}, false},
		{"stop while stopping is idempotent", StateStopping, EventStop, StateStopping, nil, false},
		{"stop while stopped is idempotent", StateStopped, EventStop, StateStopped, nil, false},
		{"stop unconfigured", StateUnconfigured, EventStop, StateUnconfigured, nil, true},

		{"stop finished", StateStopping, EventStopFinished, StateStopped, []Effect{EffectNotifyStopped}, false},

		{"delete from started", StateStarted, EventDelete, StateDeleting, []Effect{EffectTeardown, EffectRelease}, false},
		{"delete aborts provisioning", StateStarting, EventDelete, StateDeleting, []Effect{EffectTeardown, EffectRelease}, false},
		{"delete from stopped skips teardown", StateStopped, EventDelete, StateDeleting, []Effect{EffectRelease}, false},
		{"delete while deleting is idempotent", StateDeleting, EventDelete, StateDeleting, nil, false},
		{"delete when deleted is idempotent", StateDeleted, EventDelete, StateDeleted, nil, false},

		{"delete finished", StateDeleting, EventDeleteFinished, StateDeleted, []Effect{EffectNotifyDeleted}, false},
		{"delete finished out of order", StateStarted, EventDeleteFinished, StateStarted, nil, true},

		{"unknown event", StateStopped, Event("bogus"), StateStopped, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effects, err := Transition(tt.state, tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition(%s, %s) error = %v, wantErr %v", tt.state, tt.event, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("next state = %s, want %s", got, tt.want)
			}
			if !reflect.DeepEqual(effects, tt.effects) {
				t.Errorf("effects = %v, want %v", effects, tt.effects)
			}
		})
	}
}
