// Package account drives the account level sync: folder list refresh and the heartbeat tuned ping.
package account

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/events"
	"github.com/ProtonMail/airsync/internal/command"
	"github.com/ProtonMail/airsync/internal/exit"
	"github.com/ProtonMail/airsync/internal/heartbeat"
	"github.com/ProtonMail/airsync/internal/provision"
	"github.com/ProtonMail/airsync/internal/status"
	"github.com/ProtonMail/airsync/observability"
	"github.com/ProtonMail/airsync/observability/metrics"
	"github.com/ProtonMail/airsync/reporter"
	"github.com/ProtonMail/airsync/version"
	"github.com/eapache/go-resiliency/retrier"
	"github.com/sirupsen/logrus"
)

const (
	folderSyncStatusOK     = 1
	folderSyncStatusBadKey = 9
)

// Executor sends the commands of the account session.
type Executor interface {
	Execute(ctx context.Context, cmd connector.Command) (*connector.Response, error)
	Reset() bool
	SetPolicyKey(key string)
	SetProtocolVersion(version string)
	ProtocolVersion() string
}

// Negotiator provisions the account when the server requires it.
type Negotiator interface {
	Negotiate(ctx context.Context, accountID string) (provision.Result, error)
}

// Session is the account level session. Its heartbeat and ping error records are owned by the goroutine calling Run.
type Session struct {
	accountID  string
	transport  connector.Transport
	codec      connector.Codec
	exec       Executor
	store      connector.Store
	device     connector.Device
	negotiator Negotiator
	dispatcher Dispatcher
	publisher  events.Publisher
	cfg        Config

	hb *heartbeat.Controller

	// spurious counts, per mailbox, consecutive change reports that produced no change.
	spurious map[string]int

	// pinged holds the mailboxes whose last sync was requested by a ping.
	pinged map[string]struct{}

	provisioned bool

	wakeCh chan struct{}

	log *logrus.Entry
}

func New(
	accountID string,
	transport connector.Transport,
	codec connector.Codec,
	exec Executor,
	store connector.Store,
	device connector.Device,
	negotiator Negotiator,
	dispatcher Dispatcher,
	publisher events.Publisher,
	cfg Config,
) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if publisher == nil {
		publisher = events.Discard
	}

	return &Session{
		accountID:  accountID,
		transport:  transport,
		codec:      codec,
		exec:       exec,
		store:      store,
		device:     device,
		negotiator: negotiator,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		hb:         heartbeat.New(cfg.Limits.Heartbeat, cfg.Limits.HardFailureWindowDuration()),
		spurious:   make(map[string]int),
		pinged:     make(map[string]struct{}),
		wakeCh:     make(chan struct{}, 1),
		log:        logrus.WithField("pkg", "account").WithField("accountID", accountID),
	}
}

// Reset restarts the running ping, or ends the current sleep, so that the mailbox list is scanned again.
func (s *Session) Reset() {
	if !s.exec.Reset() {
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
	}
}

// Heartbeat returns the heartbeat state. It must not be called while Run is running.
func (s *Session) Heartbeat() heartbeat.State {
	return s.hb.State()
}

// Run runs the session until it fails, is stopped through ctx, or reaches the session length.
func (s *Session) Run(ctx context.Context) exit.Status {
	deadline := s.cfg.Now().Add(s.cfg.Limits.AccountSessionLengthDuration())

	account, err := s.store.GetAccount(ctx, s.accountID)
	if err != nil {
		s.log.WithError(err).Error("Failed to load account")
		return exit.Exception
	}

	s.exec.SetPolicyKey(account.PolicyKey)

	if st, ok := s.checkVersion(ctx, account); !ok {
		return st
	}

	if account.SecurityHold {
		if st, ok := s.provision(ctx); !ok {
			return st
		}
	}

	if account.Interval == connector.IntervalPush {
		if err := s.switchIntervals(ctx, connector.IntervalPing, connector.IntervalPush); err != nil {
			s.log.WithError(err).Warn("Failed to switch mailboxes to push")
		}
	}

	for {
		if st, ok := s.folderSync(ctx); !ok {
			return st
		}

		if err := s.switchIntervals(ctx, connector.IntervalPushHold, connector.IntervalPush); err != nil {
			s.log.WithError(err).Warn("Failed to release push hold")
		}

		st, restart := s.pingLoop(ctx, deadline)
		if !restart {
			return st
		}

		s.log.Info("Restarting folder sync")
	}
}

// checkVersion negotiates the protocol version if it is unknown or was checked too long ago.
func (s *Session) checkVersion(ctx context.Context, account connector.Account) (exit.Status, bool) {
	now := s.cfg.Now()

	if account.ProtocolVersion != "" && now.Sub(account.VersionCheckedAt) < s.cfg.Limits.VersionRecheckDuration() {
		s.exec.SetProtocolVersion(account.ProtocolVersion)
		return exit.Done, true
	}

	optCtx, cancel := context.WithTimeout(ctx, s.cfg.Limits.CommandTimeoutDuration())
	defer cancel()

	res, err := s.transport.Options(optCtx)
	if err != nil {
		if ctx.Err() != nil {
			return exit.Done, false
		}

		s.log.WithError(err).Warn("Failed to query protocol versions")

		return exit.IOError, false
	}

	if status.IsAuthError(res.Status) {
		return exit.LoginFailure, false
	}

	if res.Status != http.StatusOK {
		return exit.IOError, false
	}

	protocol, err := version.Negotiate(res.Header.Get(connector.HeaderProtocolVersions))
	if err != nil {
		s.log.WithError(err).Warn("Failed to negotiate protocol version")
		return exit.IOError, false
	}

	if err := s.store.SetProtocolVersion(ctx, s.accountID, protocol.String(), now); err != nil {
		s.log.WithError(err).Error("Failed to store protocol version")
		return exit.Exception, false
	}

	s.exec.SetProtocolVersion(protocol.String())

	s.log.WithField("version", protocol).Info("Negotiated protocol version")

	return exit.Done, true
}

func (s *Session) switchIntervals(ctx context.Context, from, to connector.Interval) error {
	mboxes, err := s.store.GetMailboxes(ctx, s.accountID)
	if err != nil {
		return err
	}

	for _, mbox := range mboxes {
		if mbox.Kind == connector.KindAccount || mbox.Interval != from {
			continue
		}

		if err := s.store.SetInterval(ctx, mbox.ID, to); err != nil {
			return err
		}
	}

	return nil
}

// folderSync refreshes the folder list.
func (s *Session) folderSync(ctx context.Context) (exit.Status, bool) {
	keyReset := false

	retry := retrier.New(s.cfg.FolderSyncBackoff, transportClassifier{})

	for {
		account, err := s.store.GetAccount(ctx, s.accountID)
		if err != nil {
			s.log.WithError(err).Error("Failed to load account")
			return exit.Exception, false
		}

		key := account.FolderSyncKey
		if key == "" {
			key = connector.InitialSyncKey
		}

		body, err := s.codec.EncodeFolderSync(key)
		if err != nil {
			s.log.WithError(err).Error("Failed to encode folder sync")
			return exit.Exception, false
		}

		var res *connector.Response

		if err := retry.RunCtx(ctx, func(ctx context.Context) error {
			res, err = s.exec.Execute(ctx, connector.Command{
				Name:    connector.CmdFolderSync,
				Body:    body,
				Timeout: s.cfg.Limits.CommandTimeoutDuration(),
			})

			return err
		}); err != nil {
			if ctx.Err() != nil {
				return exit.Done, false
			}

			s.log.WithError(err).Warn("Folder sync failed")

			return exit.IOError, false
		}

		switch {
		case res.Status == http.StatusOK:
			// Handled below.

		case status.IsProvisionError(res.Status):
			if st, ok := s.provision(ctx); !ok {
				return st, false
			}

			continue

		case status.IsAuthError(res.Status):
			return exit.LoginFailure, false

		default:
			s.log.WithField("status", res.Status).Warn("Folder sync failed")
			return exit.IOError, false
		}

		if res.IsEmpty() {
			return exit.Done, true
		}

		result, err := s.codec.ParseFolderSync(res.Body)
		if err != nil {
			s.log.WithError(err).Error("Failed to parse folder sync")
			return exit.Exception, false
		}

		if result.Status == folderSyncStatusOK {
			if err := s.store.ApplyFolderSync(ctx, s.accountID, result); err != nil {
				s.log.WithError(err).Error("Failed to apply folder sync")
				observability.AddSyncMetric(ctx, metrics.GenerateFailedToCommitSyncMetric())

				return exit.Exception, false
			}

			s.log.WithField("changes", len(result.Changes)).Debug("Folder list refreshed")

			return exit.Done, true
		}

		log := s.log.WithField("status", result.Status)

		category := status.Classify(result.Status)
		if result.Status == folderSyncStatusBadKey {
			category = status.BadSyncKey
		}

		switch category {
		case status.NeedsProvisioning:
			if st, ok := s.provision(ctx); !ok {
				return st, false
			}

		case status.BadSyncKey:
			if keyReset {
				return exit.Exception, false
			}

			log.Warn("Bad folder sync key, resetting folder list")

			if err := s.store.SetFolderSyncKey(ctx, s.accountID, connector.InitialSyncKey); err != nil {
				log.WithError(err).Error("Failed to reset folder sync key")
				return exit.Exception, false
			}

			keyReset = true

		case status.AccessDenied:
			return exit.AccessDenied, false

		case status.Transient:
			return exit.IOError, false

		default:
			log.Error("Unexpected folder sync status")

			reporter.UnexpectedStatus(ctx, connector.CmdFolderSync, result.Status, status.Describe(result.Status), reporter.Context{"accountID": s.accountID})
			observability.AddProtocolMetric(ctx, metrics.GenerateUnexpectedStatusMetric(connector.CmdFolderSync))

			return exit.Exception, false
		}
	}
}

// provision negotiates the policy once per session.
func (s *Session) provision(ctx context.Context) (exit.Status, bool) {
	if s.provisioned {
		s.log.Warn("Server still requires provisioning")
		return exit.SecurityFailure, false
	}

	s.provisioned = true

	if _, err := s.negotiator.Negotiate(ctx, s.accountID); err != nil {
		switch {
		case ctx.Err() != nil:
			return exit.Done, false

		case errors.Is(err, command.ErrAuth):
			return exit.LoginFailure, false

		case errors.Is(err, provision.ErrRemoteWipe):
			s.publisher.Publish(events.RemoteWipe{AccountID: s.accountID})

		default:
			s.publisher.Publish(events.SecurityHold{AccountID: s.accountID})
		}

		return exit.SecurityFailure, false
	}

	return exit.Done, true
}

// transportClassifier retries transport failures, except aborts.
type transportClassifier struct{}

func (transportClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed

	case command.IsTransportError(err, command.KindAborted):
		return retrier.Fail

	case command.IsTransportError(err):
		return retrier.Retry

	default:
		return retrier.Fail
	}
}
