package port

import (
	"fmt"
)

// Defaults for the first participant's host ports.
const (
	DefaultSSHStart = 52200
	DefaultWebStart = 58000

	// MaxPort is the highest valid TCP port.
	MaxPort = 65535
)

// Plan maps a participant's roster index to its host ports.
type Plan struct {
	SSHStart int
	WebStart int
}

// Pair is the SSH and web port assigned to one participant.
type Pair struct {
	SSH int
	Web int
}

// DefaultPlan returns the plan used when no start ports are configured.
func DefaultPlan() Plan {
	return Plan{SSHStart: DefaultSSHStart, WebStart: DefaultWebStart}
}

// For returns the ports for the participant at index. Ports are never
// reused within a run, including those of failed participants.
func (p Plan) For(index int) Pair {
	return Pair{SSH: p.SSHStart + index, Web: p.WebStart + index}
}

// Validate checks that n participants fit in the port space without the
// SSH and web ranges overlapping.
func (p Plan) Validate(n int) error {
	if p.SSHStart < 1 || p.WebStart < 1 {
		return fmt.Errorf("start ports must be positive (ssh %d, web %d)", p.SSHStart, p.WebStart)
	}
	if n <= 0 {
		return nil
	}

	sshEnd := p.SSHStart + n - 1
	webEnd := p.WebStart + n - 1
	if sshEnd > MaxPort {
		return fmt.Errorf("ssh ports %d-%d exceed %d", p.SSHStart, sshEnd, MaxPort)
	}
	if webEnd > MaxPort {
		return fmt.Errorf("web ports %d-%d exceed %d", p.WebStart, webEnd, MaxPort)
	}
	if p.SSHStart <= webEnd && p.WebStart <= sshEnd {
		return fmt.Errorf("ssh ports %d-%d overlap web ports %d-%d", p.SSHStart, sshEnd, p.WebStart, webEnd)
	}
	return nil
}
