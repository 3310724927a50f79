// Package exit defines the terminal outcome of a sync attempt and how it is surfaced to callers.
package exit

import (
	"context"

	"github.com/ProtonMail/airsync/internal/contexts"
)

// Status is the terminal outcome of one sync session.
type Status int

const (
	Done Status = iota
	IOError
	LoginFailure
	SecurityFailure
	AccessDenied
	Exception
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case IOError:
		return "io-error"
	case LoginFailure:
		return "login-failure"
	case SecurityFailure:
		return "security-failure"
	case AccessDenied:
		return "access-denied"
	default:
		return "exception"
	}
}

// SyncStatus is the status reported to the caller's status callback.
type SyncStatus int

const (
	Success SyncStatus = iota
	ConnectionError
	LoginFailed
	SecurityFailed
	AccessDeniedError
	ExceptionError
)

func (s SyncStatus) String() string {
	switch s {
	case Success:
		return "success"
	case ConnectionError:
		return "connection-error"
	case LoginFailed:
		return "login-failed"
	case SecurityFailed:
		return "security-failure"
	case AccessDeniedError:
		return "access-denied"
	default:
		return "exception"
	}
}

// Report is what the caller learns about a finished session.
type Report struct {
	Status SyncStatus

	// RefreshFolders requests a folder list refresh, which restarts provisioning.
	RefreshFolders bool
}

// Map converts an exit status to the caller visible report. Connection errors of background syncs are
// reported as success; only syncs started on behalf of the user see them.
func Map(status Status, userRequest bool) Report {
	switch status {
	case Done:
		return Report{Status: Success}

	case IOError:
		if !userRequest {
			return Report{Status: Success}
		}

		return Report{Status: ConnectionError}

	case LoginFailure:
		return Report{Status: LoginFailed}

	case SecurityFailure:
		return Report{Status: SecurityFailed, RefreshFolders: true}

	case AccessDenied:
		return Report{Status: AccessDeniedError}

	default:
		return Report{Status: ExceptionError}
	}
}

// MapContext is Map for a session running with ctx.
func MapContext(ctx context.Context, status Status) Report {
	return Map(status, contexts.IsUserRequest(ctx))
}
