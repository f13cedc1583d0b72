package errors

import (
	"errors"
	"fmt"
)

// Exit codes for nest-ctl
const (
	ExitSuccess        = 0
	ExitGeneralError   = 1
	ExitInfrastructure = 2
	ExitPartialFailure = 3
	ExitConfigError    = 4
	ExitRosterError    = 5
	ExitOutputError    = 6
	ExitConnection     = 7
)

// Kind classifies a failure. Participant-level kinds mark a single
// participant as failed; KindInfrastructure aborts the run.
type Kind string

const (
	KindGeneral         Kind = "general"
	KindInfrastructure  Kind = "infrastructure"
	KindAddressTimeout  Kind = "address-timeout"
	KindForwardConflict Kind = "forward-conflict"
	KindForwardStale    Kind = "forward-stale"
	KindCredential      Kind = "credential"
	KindContainerCreate Kind = "container-create"
	KindCanceled        Kind = "canceled"
	KindConfig          Kind = "config"
	KindRoster          Kind = "roster"
	KindOutput          Kind = "output"
	KindConnection      Kind = "connection"
)

// NestError is the base error type for nest-ctl
type NestError struct {
	Code    int
	Kind    Kind
	Message string
	Cause   error
}

func (e *NestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *NestError) Unwrap() error {
	return e.Cause
}

// ExitCode returns the exit code for this error
func (e *NestError) ExitCode() int {
	return e.Code
}

// New creates a new NestError
func New(code int, message string) *NestError {
	return &NestError{
		Code:    code,
		Kind:    KindGeneral,
		Message: message,
	}
}

// Wrap wraps an existing error with a NestError
func Wrap(code int, message string, cause error) *NestError {
	return &NestError{
		Code:    code,
		Kind:    KindGeneral,
		Message: message,
		Cause:   cause,
	}
}

func withKind(kind Kind, code int, message string, cause error) *NestError {
	return &NestError{
		Code:    code,
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// Run-level errors

// InfrastructureError returns an error for a failed network, profile or
// forward table reconciliation. It is fatal to the whole run.
func InfrastructureError(op string, cause error) *NestError {
	return withKind(KindInfrastructure, ExitInfrastructure, fmt.Sprintf("infrastructure %s failed", op), cause)
}

// ConfigError returns an error for configuration issues
func ConfigError(message string, cause error) *NestError {
	return withKind(KindConfig, ExitConfigError, message, cause)
}

// RosterError returns an error for an unreadable or invalid roster
func RosterError(message string, cause error) *NestError {
	return withKind(KindRoster, ExitRosterError, message, cause)
}

// OutputError returns an error for manifest, key file or archive writes
func OutputError(op string, cause error) *NestError {
	return withKind(KindOutput, ExitOutputError, fmt.Sprintf("output %s failed", op), cause)
}

// ConnectionError returns an error when the hypervisor cannot be reached
func ConnectionError(cause error) *NestError {
	return withKind(KindConnection, ExitConnection, "failed to connect to hypervisor", cause)
}

// PartialFailure reports that the run finished but some participants failed
func PartialFailure(failed, total int) *NestError {
	return withKind(KindGeneral, ExitPartialFailure, fmt.Sprintf("%d of %d participants failed", failed, total), nil)
}

// Participant-level errors

// AddressTimeout returns an error for a container that never reported an address
func AddressTimeout(container string, attempts int, cause error) *NestError {
	return withKind(KindAddressTimeout, ExitGeneralError,
		fmt.Sprintf("container %s reported no address after %d attempts", container, attempts), cause)
}

// ForwardConflict returns an error for a listen port that is already registered
func ForwardConflict(listenAddress string, port int) *NestError {
	return withKind(KindForwardConflict, ExitGeneralError,
		fmt.Sprintf("listen port %s:%d is already forwarded", listenAddress, port), nil)
}

// ForwardStale returns an error when the conditional table write kept losing races
func ForwardStale(listenAddress string, port, attempts int, cause error) *NestError {
	return withKind(KindForwardStale, ExitGeneralError,
		fmt.Sprintf("forward for %s:%d lost %d concurrent updates", listenAddress, port, attempts), cause)
}

// CredentialError returns an error for key generation or encoding
func CredentialError(cause error) *NestError {
	return withKind(KindCredential, ExitGeneralError, "credential generation failed", cause)
}

// ContainerCreateError returns an error for container create or start
func ContainerCreateError(op, container string, cause error) *NestError {
	return withKind(KindContainerCreate, ExitGeneralError, fmt.Sprintf("container %s %s failed", container, op), cause)
}

// Canceled returns an error for a participant that was never started
func Canceled(cause error) *NestError {
	return withKind(KindCanceled, ExitGeneralError, "provisioning canceled", cause)
}

// KindOf returns the kind of the first NestError in err's chain
func KindOf(err error) Kind {
	var nestErr *NestError
	if errors.As(err, &nestErr) {
		return nestErr.Kind
	}
	return KindGeneral
}

// IsKind reports whether err's chain contains a NestError of the given kind
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var nestErr *NestError
		if !errors.As(err, &nestErr) {
			return false
		}
		if nestErr.Kind == kind {
			return true
		}
		err = nestErr.Cause
	}
	return false
}

// GetExitCode extracts the exit code from an error
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var nestErr *NestError
	if errors.As(err, &nestErr) {
		return nestErr.ExitCode()
	}
	return ExitGeneralError
}

// Is checks if an error is of a specific type
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join wraps multiple errors into one
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Unwrap returns the result of calling Unwrap on err
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
