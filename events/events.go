// Package events defines the notifications published by the sync engine.
package events

import (
	"time"

	"github.com/ProtonMail/airsync/internal/exit"
)

type Event interface {
	_isEvent()
}

type eventBase struct{}

func (eventBase) _isEvent() {}

type AccountAdded struct {
	eventBase

	AccountID string
}

type SyncStarted struct {
	eventBase

	AccountID string
	MailboxID string
}

type SyncFinished struct {
	eventBase

	AccountID string
	MailboxID string

	Status exit.Status
	Report exit.Report
}

type HeartbeatChanged struct {
	eventBase

	AccountID string
	Heartbeat time.Duration
}

// MailboxDemoted is published when a mailbox leaves push mode.
type MailboxDemoted struct {
	eventBase

	AccountID string
	MailboxID string
	Interval  string
}

type SecurityHold struct {
	eventBase

	AccountID string
}

type RemoteWipe struct {
	eventBase

	AccountID string
}

// Publisher delivers events to their watchers.
type Publisher interface {
	Publish(event Event)
}

// Discard is a Publisher dropping every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
