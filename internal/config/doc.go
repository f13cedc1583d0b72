// Package config provides the run configuration for nest-ctl.
//
// # Sources
//
// Settings are merged from, in increasing order of precedence:
//
//   - built-in defaults
//   - a TOML file (--config, or nest.toml in . or ~/.config/nest-ctl)
//   - NEST_* environment variables (NEST_SSH_PORT_START, NEST_PARALLELISM, ...)
//   - command line flags
//
// Example file:
//
//	listen-mode = "explicit"
//	listen-address = "203.0.113.10"
//	ssh-port-start = 52200
//	web-port-start = 58000
//	image = "focal"
//	parallelism = 4
//	poll-interval = "1s"
//	poll-attempts = 60
//
// # Run Record
//
// WriteTOML dumps the effective configuration in the same format. Every
// run stores it as run.toml next to its manifest.
//
// # Validation
//
// Load does not validate. Callers apply their own overrides and then call
// Validate.
package config
