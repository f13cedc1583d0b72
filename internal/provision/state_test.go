package provision

import (
	"testing"
)

func TestState_Terminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateContainerStarted, false},
		{StatePortsAllocated, false},
		{StateRecordAppended, true},
		{StateFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	var calls int
	o := Observers(a, nil, b, ObserverFunc(func(Event) { calls++ }))

	o.Observe(Event{Index: 0, State: StatePending})
	o.Observe(Event{Index: -1, RunState: RunInit})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Errorf("events = %d/%d, want 2/2", len(a.Events()), len(b.Events()))
	}
	if calls != 2 {
		t.Errorf("func observer calls = %d, want 2", calls)
	}
}

func TestRecorder_For(t *testing.T) {
	r := &Recorder{}
	r.Observe(Event{Index: -1, RunState: RunInit})
	r.Observe(Event{Index: 0, State: StatePending})
	r.Observe(Event{Index: 1, State: StatePending})
	r.Observe(Event{Index: 0, State: StateFailed})

	got := r.For(0)
	if len(got) != 2 || got[0] != StatePending || got[1] != StateFailed {
		t.Errorf("For(0) = %v", got)
	}
	if !r.Events()[0].IsRun() {
		t.Error("index -1 should be a run event")
	}
}
