// Package testutil provides a mock-backed environment and fixtures for
// exercising nest-ctl end to end without an LXD daemon.
//
// # Environment
//
// NewTestEnv wires an app.App to a hypervisor.MockClient, an explicit
// listen address and a temporary output directory, and installs it as
// app.Default for the duration of the test:
//
//	env := testutil.NewTestEnv(t)
//	env.Client.NeverAddress("Nest-Bo-Marley")
//	result, err := env.Coordinator().Run(ctx, testutil.Participants(
//	    "Ann Lee ann@x.com",
//	    "Bob Marley bob@x.com",
//	))
//
// # Fixtures
//
// Roster and configuration fixtures are embedded using go:embed:
//
//	fixtures/roster.csv
//	fixtures/roster_bom.csv
//	fixtures/roster_invalid.csv
//	fixtures/nest.toml
package testutil
