// Package mailbox runs the sync session of a single mailbox.
package mailbox

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/events"
	"github.com/ProtonMail/airsync/internal/command"
	"github.com/ProtonMail/airsync/internal/exit"
	"github.com/ProtonMail/airsync/internal/provision"
	"github.com/ProtonMail/airsync/internal/queue"
	"github.com/ProtonMail/airsync/internal/status"
	"github.com/ProtonMail/airsync/observability"
	"github.com/ProtonMail/airsync/observability/metrics"
	"github.com/ProtonMail/airsync/reporter"
	"github.com/ProtonMail/airsync/version"
	"github.com/sirupsen/logrus"
)

const syncStatusOK = 1

// Executor sends the commands of the session.
type Executor interface {
	Execute(ctx context.Context, cmd connector.Command) (*connector.Response, error)
	ProtocolVersion() string
}

// Negotiator provisions the account when the server requires it.
type Negotiator interface {
	Negotiate(ctx context.Context, accountID string) (provision.Result, error)
}

// Config tunes a Loop.
type Config struct {
	MaxLooping         int
	CommandTimeout     time.Duration
	InitialSyncTimeout time.Duration

	// Trigger is recorded with the outcome of each exchange.
	Trigger connector.Trigger
}

// Loop synchronizes one mailbox. It is not safe for concurrent use, except for its request queue.
type Loop struct {
	mbox       connector.Mailbox
	exec       Executor
	codec      connector.Codec
	adapter    connector.SyncAdapter
	store      connector.Store
	device     connector.Device
	negotiator Negotiator
	requests   *queue.CTQueue[connector.Request]
	publisher  events.Publisher
	cfg        Config

	provisioned    bool
	suppressUpsync bool

	log *logrus.Entry
}

func New(
	mbox connector.Mailbox,
	exec Executor,
	codec connector.Codec,
	adapter connector.SyncAdapter,
	store connector.Store,
	device connector.Device,
	negotiator Negotiator,
	requests *queue.CTQueue[connector.Request],
	publisher events.Publisher,
	cfg Config,
) *Loop {
	if requests == nil {
		requests = queue.NewCTQueue[connector.Request]()
	}

	if publisher == nil {
		publisher = events.Discard
	}

	return &Loop{
		mbox:       mbox,
		exec:       exec,
		codec:      codec,
		adapter:    adapter,
		store:      store,
		device:     device,
		negotiator: negotiator,
		requests:   requests,
		publisher:  publisher,
		cfg:        cfg,
		log:        logrus.WithField("pkg", "mailbox").WithField("accountID", mbox.AccountID).WithField("mailboxID", mbox.ID),
	}
}

// Mailbox returns the mailbox as last seen by the loop.
func (l *Loop) Mailbox() connector.Mailbox {
	return l.mbox
}

// Run synchronizes the mailbox until the server has nothing more to send.
func (l *Loop) Run(ctx context.Context) exit.Status {
	moreAvailable := true
	looping := 0

	for {
		if ctx.Err() != nil {
			return exit.Done
		}

		if !l.device.HasConnectivity() || !l.adapter.IsSyncable() {
			l.log.Debug("Mailbox cannot be synchronized now")
			return exit.Done
		}

		if st, ok := l.drainRequests(ctx); !ok {
			return st
		}

		if !moreAvailable {
			if l.requests.Len() == 0 {
				return exit.Done
			}

			continue
		}

		more, st, ok := l.exchange(ctx)
		if !ok {
			return st
		}

		if more {
			if looping++; looping >= l.cfg.MaxLooping {
				l.log.WithField("loops", looping).Warn("Server keeps reporting more data, stopping for now")
				observability.AddProtocolMetric(ctx, metrics.GenerateSyncLoopCeilingMetric())

				more = false
			}
		} else {
			looping = 0
		}

		moreAvailable = more
	}
}

// drainRequests executes the queued requests in order. A failing request stays at the head of the queue.
func (l *Loop) drainRequests(ctx context.Context) (exit.Status, bool) {
	for {
		req, ok := l.requests.Peek()
		if !ok {
			return exit.Done, true
		}

		if st, ok := l.execRequest(ctx, req); !ok {
			return st, false
		}

		l.requests.TryPop()
	}
}

func (l *Loop) execRequest(ctx context.Context, req connector.Request) (exit.Status, bool) {
	log := l.log.WithField("cmd", req.Command())

	body, err := l.codec.EncodeRequest(req)
	if err != nil {
		log.WithError(err).Error("Failed to encode request")
		return exit.Exception, false
	}

	for {
		res, err := l.exec.Execute(ctx, connector.Command{
			Name:    req.Command(),
			Body:    body,
			Timeout: l.cfg.CommandTimeout,
		})
		if err != nil {
			return l.transportFailure(ctx, err), false
		}

		switch {
		case res.Status == http.StatusOK:
			if err := l.adapter.Complete(ctx, req, res.Body); err != nil {
				log.WithError(err).Error("Failed to complete request")
				return exit.Exception, false
			}

			return exit.Done, true

		case status.IsProvisionError(res.Status):
			if st, ok := l.provision(ctx); !ok {
				return st, false
			}

		case status.IsAuthError(res.Status):
			return exit.LoginFailure, false

		default:
			log.WithField("status", res.Status).Warn("Request failed")
			return exit.IOError, false
		}
	}
}

// exchange performs one Sync command. It returns whether the server has more data.
func (l *Loop) exchange(ctx context.Context) (bool, exit.Status, bool) {
	req := connector.SyncRequest{
		SyncKey:      l.mbox.SyncKey,
		CollectionID: l.mbox.ServerID,
	}

	if req.SyncKey == "" {
		req.SyncKey = connector.InitialSyncKey
	}

	if !version.MustParseProtocol(l.exec.ProtocolVersion()).AtLeast(version.Protocol121) {
		req.Class = l.adapter.Class()
	}

	initial := req.SyncKey == connector.InitialSyncKey
	timeout := l.cfg.CommandTimeout
	suppressed := l.suppressUpsync

	if initial {
		// Options are never negotiated on an uninitialized collection.
		timeout = l.cfg.InitialSyncTimeout
	} else {
		req.Options = l.adapter.Options()

		if changes, ok := l.adapter.LocalChanges(); ok && !suppressed {
			req.Changes = changes
		}
	}

	l.suppressUpsync = false

	body, err := l.codec.EncodeSync(req)
	if err != nil {
		l.log.WithError(err).Error("Failed to encode sync request")
		return false, exit.Exception, false
	}

	res, err := l.exec.Execute(ctx, connector.Command{
		Name:    connector.CmdSync,
		Body:    body,
		Timeout: timeout,
	})
	if err != nil {
		return false, l.transportFailure(ctx, err), false
	}

	switch {
	case res.Status == http.StatusOK:
		// Handled below.

	case status.IsProvisionError(res.Status):
		if st, ok := l.provision(ctx); !ok {
			return false, st, false
		}

		// Retry the same exchange with the new policy key.
		l.suppressUpsync = suppressed

		return true, exit.Done, true

	case status.IsAuthError(res.Status):
		return false, exit.LoginFailure, false

	default:
		l.log.WithField("status", res.Status).Warn("Sync failed")
		return false, exit.IOError, false
	}

	if res.IsEmpty() {
		return false, l.unchanged(ctx), true
	}

	result, err := l.adapter.Parse(res.Body)
	if err != nil {
		l.log.WithError(err).Error("Failed to parse sync response")
		reporter.ExceptionWithContext(ctx, "Failed to parse sync response", reporter.Context{"error": err.Error()})

		return false, exit.Exception, false
	}

	if result.Status != syncStatusOK {
		st, retry := l.commandStatus(ctx, result.Status)
		if !retry {
			return false, st, false
		}

		l.suppressUpsync = suppressed

		return true, exit.Done, true
	}

	key := result.SyncKey
	if key == "" {
		key = l.mbox.SyncKey
	}

	if err := l.store.CommitSync(ctx, l.mbox.ID, key, result.Apply); err != nil {
		l.log.WithError(err).Error("Failed to commit sync")
		observability.AddSyncMetric(ctx, metrics.GenerateFailedToCommitSyncMetric())

		return false, exit.Exception, false
	}

	l.mbox.SyncKey = key

	l.record(ctx, result.Changes)

	if result.UpsyncFailed {
		l.log.Warn("Server rejected local changes, retrying without them")

		l.suppressUpsync = true

		return true, exit.Done, true
	}

	if !suppressed {
		if err := l.adapter.Cleanup(); err != nil {
			l.log.WithError(err).Warn("Failed to clean up local changes")
		}
	}

	return result.MoreAvailable, exit.Done, true
}

// unchanged handles an empty response: nothing changed, and a push mailbox falls back to ping.
func (l *Loop) unchanged(ctx context.Context) exit.Status {
	l.log.Debug("Sync returned no changes")

	if l.mbox.Interval == connector.IntervalPush {
		if err := l.store.SetInterval(ctx, l.mbox.ID, connector.IntervalPing); err != nil {
			l.log.WithError(err).Warn("Failed to demote mailbox to ping")
		} else {
			l.mbox.Interval = connector.IntervalPing

			l.publisher.Publish(events.MailboxDemoted{
				AccountID: l.mbox.AccountID,
				MailboxID: l.mbox.ID,
				Interval:  connector.IntervalPing.String(),
			})
		}
	}

	l.record(ctx, 0)

	return exit.Done
}

func (l *Loop) record(ctx context.Context, changes int) {
	if err := l.store.SetSyncStatus(ctx, l.mbox.ID, connector.SyncStatus{
		Trigger: l.cfg.Trigger,
		Changes: changes,
		At:      time.Now(),
	}); err != nil {
		l.log.WithError(err).Warn("Failed to record sync status")
	}
}

// commandStatus reacts to a failed protocol status. It returns whether the exchange should be retried.
func (l *Loop) commandStatus(ctx context.Context, code int) (exit.Status, bool) {
	category := status.Classify(code)

	log := l.log.WithField("status", code).WithField("category", category)

	switch category {
	case status.NeedsProvisioning:
		return l.provision(ctx)

	case status.AccessDenied:
		log.Warn("Access denied")
		return exit.AccessDenied, false

	case status.Transient:
		log.Info("Transient server error")
		return exit.IOError, false

	case status.BadSyncKey:
		log.Warn("Bad sync key, resetting mailbox")

		if err := l.store.SetSyncKey(ctx, l.mbox.ID, connector.InitialSyncKey); err != nil {
			log.WithError(err).Error("Failed to reset sync key")
		} else {
			l.mbox.SyncKey = connector.InitialSyncKey
		}

		return exit.Exception, false

	default:
		log.WithField("description", status.Describe(code)).Error("Unexpected sync status")

		reporter.UnexpectedStatus(ctx, connector.CmdSync, code, status.Describe(code), reporter.Context{"mailboxID": l.mbox.ID})
		observability.AddProtocolMetric(ctx, metrics.GenerateUnexpectedStatusMetric(connector.CmdSync))

		return exit.Exception, false
	}
}

// provision negotiates the policy once per session. It returns whether the failed command should be retried.
func (l *Loop) provision(ctx context.Context) (exit.Status, bool) {
	if l.provisioned || l.negotiator == nil {
		l.log.Warn("Server still requires provisioning")
		return exit.SecurityFailure, false
	}

	l.provisioned = true

	if _, err := l.negotiator.Negotiate(ctx, l.mbox.AccountID); err != nil {
		if ctx.Err() != nil {
			return exit.Done, false
		}

		if errors.Is(err, command.ErrAuth) {
			return exit.LoginFailure, false
		}

		return exit.SecurityFailure, false
	}

	return exit.Done, true
}

func (l *Loop) transportFailure(ctx context.Context, err error) exit.Status {
	if ctx.Err() != nil {
		l.log.WithError(err).Debug("Session stopped")
		return exit.Done
	}

	l.log.WithError(err).Warn("Command failed")

	return exit.IOError
}
