// Package fault classifies installer failures so callers can match on the kind of failure
// instead of parsing messages.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	ExecutionFailure
	AuthorizationFailure
	CommandNotFound
	Timeout
	MountFailure
	PlanningFailure
	PackageManagerFailure
	BootloaderAssetMissing
	ConfigurationFailure
)

func (k Kind) String() string {
	switch k {
	case ExecutionFailure:
		return "ExecutionFailure"
	case AuthorizationFailure:
		return "AuthorizationFailure"
	case CommandNotFound:
		return "CommandNotFound"
	case Timeout:
		return "Timeout"
	case MountFailure:
		return "MountFailure"
	case PlanningFailure:
		return "PlanningFailure"
	case PackageManagerFailure:
		return "PackageManagerFailure"
	case BootloaderAssetMissing:
		return "BootloaderAssetMissing"
	case ConfigurationFailure:
		return "ConfigurationFailure"
	default:
		return "Unknown"
	}
}

// Error is a classified failure. Description names the step that failed, Output keeps whatever
// the process printed before failing so it can be shown to the user.
type Error struct {
	Kind        Kind
	Description string
	Message     string
	Output      string
	// ExitCode is the process exit status, -1 when the process never ran or was killed.
	ExitCode int
	// Diagnostics holds the kernel log tail captured when the failure happened.
	Diagnostics string
	Err         error
}

func (e *Error) Error() string {
	if e.Diagnostics != "" {
		return fmt.Sprintf("%s\nRecent kernel messages:\n%s", e.Message, e.Diagnostics)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error for the given step description.
func New(kind Kind, description, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Description: description, Message: fmt.Sprintf(format, args...), ExitCode: -1}
}

// Wrap classifies err, keeping it reachable through errors.Is/As.
func Wrap(kind Kind, description string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Description: description, Message: fmt.Sprintf("%s: %s", description, err.Error()), ExitCode: -1, Err: err}
}

// KindOf returns the kind of the first classified error in the chain, Unknown otherwise.
func KindOf(err error) Kind {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// OutputOf returns the captured process output attached to err, if any.
func OutputOf(err error) string {
	var f *Error
	if errors.As(err, &f) {
		return f.Output
	}
	return ""
}
