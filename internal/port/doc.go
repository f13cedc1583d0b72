// Package port assigns host ports to participants.
//
// Each participant gets one SSH port and one web port, derived from its
// position in the roster:
//
//	ssh = SSHStart + index
//	web = WebStart + index
//
// Assignment does not depend on the outcome of earlier participants, so a
// failed participant leaves a gap rather than shifting everyone after it.
//
// Usage:
//
//	plan := port.DefaultPlan()
//	if err := plan.Validate(len(participants)); err != nil {
//	    return err
//	}
//	ports := plan.For(i) // {SSH: 52200+i, Web: 58000+i}
package port
