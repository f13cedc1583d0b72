package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/firefly-engineering/nest-ctl/internal/health"
	"github.com/firefly-engineering/nest-ctl/internal/logging"
	"github.com/firefly-engineering/nest-ctl/internal/port"
	"github.com/firefly-engineering/nest-ctl/internal/provision"
	"github.com/firefly-engineering/nest-ctl/internal/roster"
)

// EventMsg delivers one provisioning transition to the model.
type EventMsg provision.Event

// DoneMsg ends the progress view.
type DoneMsg struct {
	Result *provision.Result
	Err    error
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			MarginBottom(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type participantRow struct {
	name    string
	state   provision.State
	ports   port.Pair
	address string
	err     string
}

// Model is the bubbletea model for the live provisioning view.
type Model struct {
	spinner   spinner.Model
	rows      []participantRow
	run       provision.RunState
	done      bool
	canceling bool
	result    DoneMsg

	// interrupt is called once when the operator presses ctrl+c.
	interrupt func()
}

// NewProgress creates a progress view with one row per participant.
// interrupt, if set, is called on ctrl+c; the view keeps running until
// the coordinator reports completion.
func NewProgress(participants []roster.Participant, interrupt func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	rows := make([]participantRow, len(participants))
	for i, p := range participants {
		rows[i] = participantRow{name: p.ContainerName(), state: provision.StatePending}
	}

	return Model{
		spinner:   s,
		rows:      rows,
		run:       provision.RunInit,
		interrupt: interrupt,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case EventMsg:
		m.apply(provision.Event(msg))
		return m, nil

	case DoneMsg:
		m.done = true
		m.result = msg
		return m, tea.Quit

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" && !m.canceling {
			m.canceling = true
			if m.interrupt != nil {
				m.interrupt()
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(e provision.Event) {
	if e.IsRun() {
		m.run = e.RunState
		return
	}
	if e.Index >= len(m.rows) {
		return
	}
	r := &m.rows[e.Index]
	r.state = e.State
	if e.Ports != (port.Pair{}) {
		r.ports = e.Ports
	}
	if e.Address != "" {
		r.address = e.Address
	}
	if e.Err != nil {
		r.err = e.Err.Error()
	}
}

// Counts returns how many participants finished, failed, and are still
// outstanding.
func (m Model) Counts() (ready, failed, outstanding int) {
	for _, r := range m.rows {
		switch r.state {
		case provision.StateRecordAppended:
			ready++
		case provision.StateFailed:
			failed++
		default:
			outstanding++
		}
	}
	return ready, failed, outstanding
}

func (m Model) View() string {
	var b strings.Builder

	ready, failed, outstanding := m.Counts()
	b.WriteString(titleStyle.Render(fmt.Sprintf("nest-ctl  %s  %d ready, %d failed, %d to go",
		m.run, ready, failed, outstanding)))
	b.WriteString("\n")

	for _, r := range m.rows {
		b.WriteString(m.renderRow(r))
		b.WriteString("\n")
	}

	switch {
	case m.done:
		if r := m.result.Result; r != nil && r.Manifest != nil {
			b.WriteString(helpStyle.Render("finished in " + health.FormatDuration(r.Manifest.FinishedAt.Sub(r.Manifest.StartedAt))))
		}
	case m.canceling:
		b.WriteString(helpStyle.Render("canceling: waiting for started containers to finish"))
	default:
		b.WriteString(helpStyle.Render("[ctrl+c] stop starting new containers"))
	}
	return b.String()
}

func (m Model) renderRow(r participantRow) string {
	var icon, detail string
	switch r.state {
	case provision.StateRecordAppended:
		icon = okStyle.Render("✓")
		detail = fmt.Sprintf("ssh %d  web %d  %s", r.ports.SSH, r.ports.Web, r.address)
	case provision.StateFailed:
		icon = failStyle.Render("✗")
		detail = failStyle.Render(r.err)
	case provision.StatePending:
		icon = pendingStyle.Render("·")
		detail = pendingStyle.Render(string(r.state))
	default:
		icon = m.spinner.View()
		detail = string(r.state)
	}
	return fmt.Sprintf("%s %-24s %s", icon, r.name, detail)
}

// programObserver forwards transitions into a running program.
type programObserver struct {
	p *tea.Program
}

func (o programObserver) Observe(e provision.Event) {
	o.p.Send(EventMsg(e))
}

// RunProgress shows the live view on out while run executes. run receives
// the observer to hand to the coordinator. Signals stay with the caller:
// the program installs no handler of its own, and RunProgress returns
// run's outcome only once run has returned, even if the view stopped early.
func RunProgress(out io.Writer, participants []roster.Participant, interrupt func(),
	run func(provision.Observer) (*provision.Result, error)) (*provision.Result, error) {
	return runProgram(participants, interrupt, run, tea.WithOutput(out), tea.WithoutSignalHandler())
}

func runProgram(participants []roster.Participant, interrupt func(),
	run func(provision.Observer) (*provision.Result, error), opts ...tea.ProgramOption) (*provision.Result, error) {

	p := tea.NewProgram(NewProgress(participants, interrupt), opts...)

	done := make(chan DoneMsg, 1)
	go func() {
		result, err := run(programObserver{p: p})
		msg := DoneMsg{Result: result, Err: err}
		done <- msg
		p.Send(msg)
	}()

	if _, err := p.Run(); err != nil {
		logging.Warn("progress view stopped, waiting for the run to finish", "error", err)
	}
	msg := <-done
	return msg.Result, msg.Err
}
