package account

import (
	"context"
	"time"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/limits"
	"github.com/eapache/go-resiliency/retrier"
)

// PingStatus tells whether a mailbox can take part in the next ping.
type PingStatus int

const (
	// PingReady means no sync of the mailbox is running or scheduled.
	PingReady PingStatus = iota

	// PingRunning means a sync of the mailbox is in progress.
	PingRunning

	// PingWaiting means a sync of the mailbox is scheduled.
	PingWaiting

	// PingUnable means the mailbox is in an error state and is left out of pings.
	PingUnable
)

// Dispatcher runs the mailbox sessions of the account.
type Dispatcher interface {
	PingStatus(mailboxID string) PingStatus
	RequestSync(ctx context.Context, mbox connector.Mailbox, trigger connector.Trigger)
}

// Sleeps are the waits of the ping phase when no ping can be sent.
type Sleeps struct {
	// ForcedNoneReady is used when a forced ping is due but no mailbox is ready.
	ForcedNoneReady time.Duration

	// Waiting is used while some mailboxes are busy syncing.
	Waiting time.Duration

	// Uninitialized is used while mailboxes wait for their initial sync.
	Uninitialized time.Duration

	// NoInbox is used while the folder list has no inbox yet.
	NoInbox time.Duration
}

// DefaultSleeps returns the production sleep schedule.
func DefaultSleeps() Sleeps {
	return Sleeps{
		ForcedNoneReady: 60 * time.Second,
		Waiting:         2 * time.Second,
		Uninitialized:   10 * time.Second,
		NoInbox:         45 * time.Second,
	}
}

// Config tunes a Session.
type Config struct {
	Limits limits.Sync
	Sleeps Sleeps

	// FolderSyncBackoff is the retry schedule of FolderSync transport failures.
	FolderSyncBackoff []time.Duration

	// PingBackoff is the wait schedule after hard ping failures; the session fails once it is exhausted.
	PingBackoff []time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production configuration for the given limits.
func DefaultConfig(lim limits.Sync) Config {
	return Config{
		Limits:            lim,
		Sleeps:            DefaultSleeps(),
		FolderSyncBackoff: retrier.ExponentialBackoff(3, time.Second),
		PingBackoff:       retrier.ExponentialBackoff(5, 10*time.Second),
		Now:               time.Now,
	}
}
