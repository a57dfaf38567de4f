package dispatch

import (
	"errors"

	"github.com/kubekattle/apb/internal/credentials"
)

// FailureKind classifies how a dispatch went wrong. The non-fatal kinds
// (InventoryUnavailable, HostMembershipWarning) never abort a run; they are
// logged and recorded as warnings while the pipeline continues.
type FailureKind string

const (
	FailureMissingParameter      FailureKind = "MissingParameter"
	FailureCredentialNotFound    FailureKind = "CredentialNotFound"
	FailureInventoryUnavailable  FailureKind = "InventoryUnavailable"
	FailureHostMembershipWarning FailureKind = "HostMembershipWarning"
	FailurePlaybookSyntax        FailureKind = "PlaybookSyntaxError"
	FailureExecutionTimeout      FailureKind = "ExecutionTimeout"
	FailureExecutionFailure      FailureKind = "ExecutionFailure"
)

// Error is a classified dispatch failure. Message is already redacted when
// the error leaves the coordinator.
type Error struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error chain. Unclassified errors
// return the empty kind.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var nf *credentials.NotFoundError
	if errors.As(err, &nf) {
		return FailureCredentialNotFound
	}
	return ""
}
