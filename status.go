package airsync

import "github.com/ProtonMail/airsync/internal/exit"

// Status is the terminal outcome of one session.
type Status = exit.Status

const (
	Done            = exit.Done
	IOError         = exit.IOError
	LoginFailure    = exit.LoginFailure
	SecurityFailure = exit.SecurityFailure
	AccessDenied    = exit.AccessDenied
	Exception       = exit.Exception
)

// SyncStatus is the outcome of a session as shown to the user.
type SyncStatus = exit.SyncStatus

const (
	Success           = exit.Success
	ConnectionError   = exit.ConnectionError
	LoginFailed       = exit.LoginFailed
	SecurityFailed    = exit.SecurityFailed
	AccessDeniedError = exit.AccessDeniedError
	ExceptionError    = exit.ExceptionError
)

// Report is what a session returns to its caller.
type Report = exit.Report
