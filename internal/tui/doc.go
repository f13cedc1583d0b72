// Package tui provides terminal user interface components for nest-ctl.
//
// This package uses the Bubble Tea framework for the live provisioning
// view and lipgloss tables for run summaries.
//
// # Progress View
//
// RunProgress shows one line per participant while the coordinator runs,
// fed by provision events:
//
//	result, err := tui.RunProgress(os.Stdout, participants, cancel,
//	    func(obs provision.Observer) (*provision.Result, error) {
//	        return coordinator(obs).Run(ctx, participants)
//	    })
//
// Pressing ctrl+c calls the interrupt function once; containers already
// started are still given their forwards before the view closes.
//
// # Tables
//
//	tui.RecordsTable(manifest.Records)
//	tui.FailuresTable(manifest.Failures)
//	tui.ForwardsTable(rules)
//
// # Dependencies
//
// Uses the Charm libraries:
//   - github.com/charmbracelet/bubbletea - TUI framework
//   - github.com/charmbracelet/bubbles - spinner
//   - github.com/charmbracelet/lipgloss - Styling and tables
package tui
