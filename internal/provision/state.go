package provision

import (
	"sync"
	"time"

	"github.com/firefly-engineering/nest-ctl/internal/port"
)

// RunState is the progress of a whole run.
type RunState string

const (
	RunInit            RunState = "Init"
	RunNetworkReady    RunState = "NetworkReady"
	RunProfileReady    RunState = "ProfileReady"
	RunParticipantLoop RunState = "ParticipantLoop"
	RunFinalized       RunState = "Finalized"
)

// State is the progress of one participant.
type State string

const (
	StatePending          State = "Pending"
	StateCredentialIssued State = "CredentialIssued"
	StateContainerCreated State = "ContainerCreated"
	StateContainerStarted State = "ContainerStarted"
	StateAddressResolved  State = "AddressResolved"
	StatePortsAllocated   State = "PortsAllocated"
	StateRecordAppended   State = "RecordAppended"
	StateFailed           State = "Failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateRecordAppended || s == StateFailed
}

// Event is a state transition. Run-level events have Index -1 and a
// RunState; participant events carry the participant's State.
type Event struct {
	Time      time.Time
	RunID     string
	RunState  RunState
	Index     int
	Container string
	State     State
	Ports     port.Pair
	Address   string
	Err       error
}

// IsRun reports whether e is a run-level event.
func (e Event) IsRun() bool {
	return e.Index < 0
}

// Observer receives every transition of a run. Calls are serialized.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

type multiObserver []Observer

func (m multiObserver) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Observers fans transitions out to every non-nil observer.
func Observers(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

// Recorder is an Observer that keeps every event, for tests and summaries.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe records e.
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// For returns the states recorded for the participant at index, in order.
func (r *Recorder) For(index int) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []State
	for _, e := range r.events {
		if e.Index == index {
			states = append(states, e.State)
		}
	}
	return states
}
