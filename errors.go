package airsync

import (
	"errors"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/internal/provision"
)

var (
	ErrNoDevice = errors.New("no device configured")
	ErrClosed   = errors.New("engine is closed")

	// ErrStopped is the cause of sessions cancelled by Stop or Close.
	ErrStopped = errors.New("sessions stopped")

	// ErrSessionRunning is returned when a session of the same account or mailbox is already running.
	ErrSessionRunning = errors.New("session is already running")

	// ErrHalted is the cause of mailbox sessions cancelled because the account lost its policy.
	ErrHalted = errors.New("mailbox syncs halted")
)

// IsNoSuchAccount returns true if the error is ErrNoSuchAccount.
func IsNoSuchAccount(err error) bool {
	return errors.Is(err, connector.ErrNoSuchAccount)
}

// IsNoSuchMailbox returns true if the error is ErrNoSuchMailbox.
func IsNoSuchMailbox(err error) bool {
	return errors.Is(err, connector.ErrNoSuchMailbox)
}

// IsSecurityFailure returns true if the error is a provisioning failure that put the account on hold.
func IsSecurityFailure(err error) bool {
	return errors.Is(err, provision.ErrUnsupportable) ||
		errors.Is(err, provision.ErrPolicyNotActive) ||
		errors.Is(err, provision.ErrRemoteWipe)
}
