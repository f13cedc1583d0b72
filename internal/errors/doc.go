// Package errors provides typed errors with exit codes for nest-ctl.
//
// # Error Types
//
// NestError wraps an error with an exit code and a Kind:
//
//	type NestError struct {
//	    Code    int    // Exit code
//	    Kind    Kind   // Failure class
//	    Message string // User-facing message
//	    Cause   error  // Wrapped error
//	}
//
// # Kinds
//
// Run-level kinds abort provisioning before any participant work starts:
//
//	KindInfrastructure  // network, profile or forward table reconciliation failed
//	KindConfig          // invalid configuration
//	KindRoster          // unreadable or invalid roster
//
// Participant-level kinds mark one participant as failed:
//
//	KindAddressTimeout  // no IPv4 address within the polling budget
//	KindForwardConflict // listen port already registered (counter bug)
//	KindForwardStale    // optimistic write lost every retry
//	KindCredential      // key generation failed
//	KindContainerCreate // container create or start failed
//	KindCanceled        // never issued because the run was canceled
//
// # Extracting Exit Codes
//
//	if err != nil {
//	    os.Exit(errors.GetExitCode(err))
//	}
package errors
