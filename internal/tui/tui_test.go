package tui

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/manifest"
	"github.com/firefly-engineering/nest-ctl/internal/port"
	"github.com/firefly-engineering/nest-ctl/internal/provision"
	"github.com/firefly-engineering/nest-ctl/internal/roster"
)

func testParticipants() []roster.Participant {
	return []roster.Participant{
		{Index: 0, FirstName: "Ann", LastName: "Lee", Email: "ann@x.com"},
		{Index: 1, FirstName: "Bob", LastName: "Marley", Email: "bob@x.com"},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return model
}

func TestProgress_AppliesEvents(t *testing.T) {
	m := NewProgress(testParticipants(), nil)

	m = update(t, m, EventMsg{Index: -1, RunState: provision.RunParticipantLoop})
	m = update(t, m, EventMsg{Index: 0, State: provision.StatePortsAllocated, Ports: port.Pair{SSH: 52200, Web: 58000}, Address: "10.42.0.3"})
	m = update(t, m, EventMsg{Index: 0, State: provision.StateRecordAppended})
	m = update(t, m, EventMsg{Index: 1, State: provision.StateFailed, Err: errors.New("no address")})

	if m.run != provision.RunParticipantLoop {
		t.Errorf("run = %s", m.run)
	}
	ready, failed, outstanding := m.Counts()
	if ready != 1 || failed != 1 || outstanding != 0 {
		t.Errorf("Counts() = %d/%d/%d, want 1/1/0", ready, failed, outstanding)
	}

	view := m.View()
	for _, want := range []string{"Nest-An-Lee", "ssh 52200", "web 58000", "10.42.0.3", "Nest-Bo-Marley", "no address"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q:\n%s", want, view)
		}
	}
}

func TestProgress_IgnoresUnknownIndex(t *testing.T) {
	m := NewProgress(testParticipants(), nil)
	m = update(t, m, EventMsg{Index: 7, State: provision.StateFailed})

	if _, _, outstanding := m.Counts(); outstanding != 2 {
		t.Errorf("outstanding = %d, want 2", outstanding)
	}
}

func TestProgress_InterruptOnce(t *testing.T) {
	calls := 0
	m := NewProgress(testParticipants(), func() { calls++ })

	m = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})

	if calls != 1 {
		t.Errorf("interrupt calls = %d, want 1", calls)
	}
	if !strings.Contains(m.View(), "canceling") {
		t.Error("view should show the canceling notice")
	}
}

func TestProgress_DoneQuits(t *testing.T) {
	m := NewProgress(testParticipants(), nil)
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	done := &provision.Result{RunID: "run-1", Manifest: &manifest.Manifest{
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
	}}

	next, cmd := m.Update(DoneMsg{Result: done})
	if cmd == nil {
		t.Fatal("DoneMsg should return a quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("DoneMsg should quit the program")
	}
	view := next.(Model).View()
	if !strings.Contains(view, "finished in 1m 30s") {
		t.Errorf("View() should show the run duration:\n%s", view)
	}
	if strings.Contains(view, "ctrl+c") {
		t.Error("finished view should not offer ctrl+c")
	}
}

func TestRunProgress_ReturnsRunOutcome(t *testing.T) {
	want := &provision.Result{RunID: "run-1"}

	got, err := runProgram(testParticipants(), nil, func(obs provision.Observer) (*provision.Result, error) {
		obs.Observe(provision.Event{Index: 0, State: provision.StateRecordAppended})
		return want, nil
	}, tea.WithInput(nil), tea.WithOutput(io.Discard), tea.WithoutSignalHandler())
	if err != nil {
		t.Fatalf("runProgram() error = %v", err)
	}
	if got != want {
		t.Errorf("result = %v, want %v", got, want)
	}
}

func TestRunProgress_WaitsForRunWhenViewStops(t *testing.T) {
	// A killed program stands in for the view ending on its own, as it
	// does on a quit message or a terminal error.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var finished atomic.Bool
	want := &provision.Result{RunID: "run-1"}
	wantErr := errors.New("finalize failed")

	got, err := runProgram(testParticipants(), nil, func(provision.Observer) (*provision.Result, error) {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return want, wantErr
	}, tea.WithContext(ctx), tea.WithInput(nil), tea.WithOutput(io.Discard), tea.WithoutSignalHandler())

	if !finished.Load() {
		t.Fatal("runProgram returned before the run finished")
	}
	if got != want || err != wantErr {
		t.Errorf("runProgram() = (%v, %v), want (%v, %v)", got, err, want, wantErr)
	}
}

func TestRecordsTable(t *testing.T) {
	out := RecordsTable([]manifest.Record{
		{ContainerName: "Nest-An-Lee", User: "ann", Email: "ann@x.com", SSHPort: 52200, WebPort: 58000, Address: "10.42.0.3"},
	})
	for _, want := range []string{"CONTAINER", "Nest-An-Lee", "ann@x.com", "52200", "58000"} {
		if !strings.Contains(out, want) {
			t.Errorf("RecordsTable missing %q:\n%s", want, out)
		}
	}
}

func TestFailuresTable(t *testing.T) {
	out := FailuresTable([]manifest.Failure{
		{Index: 1, ContainerName: "Nest-Bo-Marley", State: "ContainerStarted", Kind: "address-timeout", Reason: "no address"},
	})
	for _, want := range []string{"ROW", "2", "Nest-Bo-Marley", "address-timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("FailuresTable missing %q:\n%s", want, out)
		}
	}
}

func TestForwardsTable(t *testing.T) {
	out := ForwardsTable([]hypervisor.ForwardRule{
		{ListenPort: 52200, Protocol: "tcp", TargetAddress: "10.42.0.3", TargetPort: 22, Description: "ssh Nest-An-Lee"},
	})
	if !strings.Contains(out, "10.42.0.3:22") || !strings.Contains(out, "ssh Nest-An-Lee") {
		t.Errorf("ForwardsTable output:\n%s", out)
	}
}
