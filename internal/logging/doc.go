// Package logging provides logging utilities for nest-ctl.
//
// This package provides two categories of output:
//   - Debug logging: Structured logs for debugging (via slog)
//   - User output: Formatted messages for end users
//
// # Debug Logging
//
// Debug logs are written using slog and controlled by verbosity settings:
//
//	logging.Debug("creating container", "name", name, "image", image)
//	logging.Warn("forward write rejected", "listen_port", port, "attempt", n)
//
// # User Output
//
// User-facing messages are formatted with status indicators:
//
//	logging.UserInfo("Reading roster %s...", path)
//	logging.UserSuccess("Container %s ready on port %d", name, port)
//	logging.UserWarning("Network %s already exists", name)
//	logging.UserError("Participant %s failed: %v", email, err)
//
// Output destinations:
//   - UserInfo, UserSuccess: stdout
//   - UserWarning, UserError: stderr
//
// Both destinations can be redirected through UserOut and UserErr, which
// the progress view uses to keep the terminal clean while it is active.
//
// # Status Indicators
//
// User functions prepend status indicators:
//   - ℹ (info)
//   - ✓ (success)
//   - ⚠ (warning)
//   - ✗ (error)
package logging
