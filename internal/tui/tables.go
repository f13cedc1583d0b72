package tui

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
	"github.com/firefly-engineering/nest-ctl/internal/manifest"
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

// RecordsTable renders the provisioned participants.
func RecordsTable(records []manifest.Record) string {
	t := newTable("CONTAINER", "USER", "E-MAIL", "SSH", "WEB", "ADDRESS")
	for _, r := range records {
		t.Row(r.ContainerName, r.User, r.Email, strconv.Itoa(r.SSHPort), strconv.Itoa(r.WebPort), r.Address)
	}
	return t.String()
}

// FailuresTable renders the participants that were not provisioned.
func FailuresTable(failures []manifest.Failure) string {
	t := newTable("ROW", "CONTAINER", "STATE", "KIND", "REASON")
	for _, f := range failures {
		t.Row(strconv.Itoa(f.Index+1), f.ContainerName, f.State, f.Kind, f.Reason)
	}
	return t.String()
}

// ForwardsTable renders the rules of a forward table.
func ForwardsTable(rules []hypervisor.ForwardRule) string {
	t := newTable("LISTEN", "PROTOCOL", "TARGET", "DESCRIPTION")
	for _, r := range rules {
		t.Row(strconv.Itoa(r.ListenPort), r.Protocol, r.TargetAddress+":"+strconv.Itoa(r.TargetPort), r.Description)
	}
	return t.String()
}
