// Package airsync implements the client side sync engine of an Exchange ActiveSync style protocol:
// per mailbox sync sessions, policy provisioning and a heartbeat tuned long poll per account.
package airsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ProtonMail/airsync/async"
	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/events"
	"github.com/ProtonMail/airsync/internal/account"
	"github.com/ProtonMail/airsync/internal/command"
	"github.com/ProtonMail/airsync/internal/contexts"
	"github.com/ProtonMail/airsync/internal/exit"
	"github.com/ProtonMail/airsync/internal/provision"
	"github.com/ProtonMail/airsync/internal/queue"
	"github.com/ProtonMail/airsync/internal/utils"
	"github.com/ProtonMail/airsync/internal/watchdog"
	"github.com/ProtonMail/airsync/limits"
	"github.com/ProtonMail/airsync/logging"
	"github.com/ProtonMail/airsync/observability"
	"github.com/ProtonMail/airsync/profiling"
	"github.com/ProtonMail/airsync/reporter"
	"github.com/ProtonMail/airsync/version"
	"github.com/ProtonMail/airsync/wait"
	"github.com/ProtonMail/airsync/watcher"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Engine runs the sync sessions of a set of accounts.
type Engine struct {
	store       connector.Store
	storeCloser io.Closer
	device      connector.Device

	limits     limits.Sync
	accountCfg account.Config

	// watchdog aborts commands outliving their timeout.
	watchdog *watchdog.Manager

	// group coalesces concurrent provisioning of the same account.
	group *singleflight.Group

	accounts     map[string]*accountState
	accountsLock sync.RWMutex

	watchers     map[*watcher.Watcher[events.Event]]struct{}
	watchersLock sync.RWMutex

	// wg tracks the background mailbox sessions.
	wg wait.Group

	versionInfo         version.Info
	cmdExecProfBuilder  profiling.CmdProfilerBuilder
	reporter            reporter.Reporter
	observabilitySender observability.Sender
	panicHandler        async.PanicHandler

	closed     bool
	closedLock sync.RWMutex
}

// New creates a new engine with the given options.
func New(withOpt ...Option) (*Engine, error) {
	builder := newBuilder()

	for _, opt := range withOpt {
		opt.config(builder)
	}

	engine, err := builder.build(context.Background())
	if err != nil {
		return nil, err
	}

	logrus.WithField("name", engine.versionInfo.Name).
		WithField("version", engine.versionInfo.Version.String()).
		Debug("Sync engine was created")

	return engine, nil
}

// VersionInfo returns the client identification to send to the servers.
func (e *Engine) VersionInfo() version.Info {
	return e.versionInfo
}

// AsUserRequest marks the sessions run with the returned context as started by the user.
// Their connection errors are reported instead of being hidden.
func AsUserRequest(ctx context.Context) context.Context {
	return contexts.AsUserRequest(ctx)
}

// AddAccount registers the account with the connector used to reach its server and returns its ID.
// An account already known to the store is loaded instead.
func (e *Engine) AddAccount(ctx context.Context, acc connector.Account, conn connector.Connector) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}

	if acc.ID == "" {
		acc.ID = utils.NewRandomAccountID()
	}

	if acc.DeviceID == "" {
		acc.DeviceID = utils.NewDeviceID()
	}

	if err := e.store.AddAccount(ctx, acc); err != nil {
		if !errors.Is(err, connector.ErrAccountExists) {
			return "", fmt.Errorf("failed to add account: %w", err)
		}

		logrus.WithField(logging.AccountIDKey, acc.ID).Debug("Loading known account")
	}

	e.accountsLock.Lock()
	if old, ok := e.accounts[acc.ID]; ok {
		old.stop(ErrStopped)
	}
	e.accounts[acc.ID] = newAccountState(e, acc.ID, conn)
	e.accountsLock.Unlock()

	e.Publish(events.AccountAdded{AccountID: acc.ID})

	return acc.ID, nil
}

// RemoveAccount stops the sessions of the account and forgets it. Its stored state is kept.
func (e *Engine) RemoveAccount(accountID string) error {
	acc, err := e.account(accountID)
	if err != nil {
		return err
	}

	acc.stop(ErrStopped)
	acc.discardRequests()

	e.accountsLock.Lock()
	delete(e.accounts, accountID)
	e.accountsLock.Unlock()

	return nil
}

// RunAccountSession runs the folder sync and long poll of the account until it fails, is stopped,
// or reaches the session length. Syncs of the mailboxes reported as changed run in the background.
func (e *Engine) RunAccountSession(ctx context.Context, accountID string) (Report, error) {
	acc, err := e.account(accountID)
	if err != nil {
		return Report{}, err
	}

	ctx, done := e.sessionContext(ctx)
	defer done()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	exec := command.New(acc.conn, cancel, e.commandConfig(accountID))
	neg := provision.New(exec, acc.conn, e.store, e.device, e, e.group, e.limits.CommandTimeoutDuration())

	session := account.New(accountID, acc.conn, acc.conn, exec, e.store, e.device, neg, acc, e, e.accountCfg)

	if !acc.beginSession(session, exec, cancel) {
		return Report{}, fmt.Errorf("%w: %v", ErrSessionRunning, accountID)
	}

	defer acc.endSession(session)

	e.Publish(events.SyncStarted{AccountID: accountID})

	var status exit.Status

	logging.DoAnnotate(ctx, func(ctx context.Context) {
		status = session.Run(ctx)
	}, logging.Labels{logging.AccountIDKey: accountID, "service": "account"})

	return e.finish(ctx, accountID, "", status), nil
}

// RunMailboxSession syncs the mailbox until the server has nothing more to send.
func (e *Engine) RunMailboxSession(ctx context.Context, accountID, mailboxID string) (Report, error) {
	acc, err := e.account(accountID)
	if err != nil {
		return Report{}, err
	}

	trigger := connector.TriggerScheduled
	if contexts.IsUserRequest(ctx) {
		trigger = connector.TriggerUser
	}

	if !acc.claim(mailboxID) {
		return Report{}, fmt.Errorf("%w: %v", ErrSessionRunning, mailboxID)
	}

	defer acc.release(mailboxID)

	status, err := acc.syncMailbox(ctx, mailboxID, trigger)
	if err != nil {
		return Report{}, err
	}

	return exit.MapContext(ctx, status), nil
}

// Provision negotiates the security policy of the account, lifting a security hold on success.
func (e *Engine) Provision(ctx context.Context, accountID string) error {
	acc, err := e.account(accountID)
	if err != nil {
		return err
	}

	stored, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	exec := command.New(acc.conn, nil, e.commandConfig(accountID+"/provision"))
	exec.SetProtocolVersion(stored.ProtocolVersion)
	exec.SetPolicyKey(stored.PolicyKey)

	neg := provision.New(exec, acc.conn, e.store, e.device, e, e.group, e.limits.CommandTimeoutDuration())

	ctx, done := e.sessionContext(ctx)
	defer done()

	if _, err := neg.Negotiate(ctx, accountID); err != nil {
		return err
	}

	acc.reset()

	return nil
}

// Alarm aborts the command in flight for the given session, as the watchdog does once its timeout expires.
// The session ID is a mailbox ID, or an account ID for the account session.
func (e *Engine) Alarm(sessionID string) bool {
	exec, ok := e.executor(sessionID)
	if !ok {
		return false
	}

	// The abort may wait for the alarm grace period; the accounts stay unlocked meanwhile.
	return exec.Alarm()
}

func (e *Engine) executor(sessionID string) (*command.Executor, bool) {
	e.accountsLock.RLock()
	defer e.accountsLock.RUnlock()

	for _, acc := range e.accounts {
		if exec, ok := acc.executor(sessionID); ok {
			return exec, true
		}
	}

	return nil, false
}

// Reset restarts the long poll of the account, for instance after the mailboxes to watch changed.
func (e *Engine) Reset(accountID string) error {
	acc, err := e.account(accountID)
	if err != nil {
		return err
	}

	acc.reset()

	return nil
}

// Stop cancels every session of the account.
func (e *Engine) Stop(accountID string) error {
	acc, err := e.account(accountID)
	if err != nil {
		return err
	}

	acc.stop(ErrStopped)

	return nil
}

// Enqueue queues a request to be sent before the next sync of the mailbox. It returns false if an
// identical request is already queued.
func (e *Engine) Enqueue(accountID, mailboxID string, req connector.Request) (bool, error) {
	acc, err := e.account(accountID)
	if err != nil {
		return false, err
	}

	return queue.PushUnique(acc.mailbox(mailboxID).requests, req), nil
}

// NextPingExpiry returns when the earliest running long poll is expected to end at the latest.
func (e *Engine) NextPingExpiry() (time.Time, bool) {
	return e.watchdog.NextPingExpiry()
}

// AddWatcher adds a new watcher which watches events of the given types.
// If no types are specified, the watcher watches all events.
func (e *Engine) AddWatcher(ofType ...events.Event) <-chan events.Event {
	e.watchersLock.Lock()
	defer e.watchersLock.Unlock()

	w := watcher.New(ofType...)

	// The engine is closed; the reader gets a closed channel.
	if e.watchers == nil {
		w.Close()
		return w.GetChannel()
	}

	e.watchers[w] = struct{}{}

	return w.GetChannel()
}

// Publish sends the event to the watchers interested in it.
func (e *Engine) Publish(event events.Event) {
	e.watchersLock.RLock()
	defer e.watchersLock.RUnlock()

	for w := range e.watchers {
		if w.IsWatching(event) {
			w.Send(event)
		}
	}
}

// StopNonAccountSyncs cancels the mailbox sessions of the account while its policy is renegotiated.
func (e *Engine) StopNonAccountSyncs(accountID string) {
	acc, err := e.account(accountID)
	if err != nil {
		return
	}

	acc.stopMailboxes(ErrHalted)
}

// Close stops every session and releases the resources of the engine.
func (e *Engine) Close(ctx context.Context) error {
	e.closedLock.Lock()
	if e.closed {
		e.closedLock.Unlock()
		return nil
	}
	e.closed = true
	e.closedLock.Unlock()

	e.accountsLock.RLock()
	for _, acc := range e.accounts {
		acc.stop(ErrStopped)
	}
	e.accountsLock.RUnlock()

	if err := e.wg.WaitContext(ctx); err != nil {
		logrus.WithField("running", e.wg.Running()).Warn("Gave up waiting for mailbox syncs")
		return err
	}

	e.watchdog.Close()

	e.watchersLock.Lock()
	for w := range e.watchers {
		w.Close()
	}
	e.watchers = nil
	e.watchersLock.Unlock()

	if e.storeCloser != nil {
		if err := e.storeCloser.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	logrus.Debug("Sync engine was closed")

	return nil
}

func (e *Engine) isClosed() bool {
	e.closedLock.RLock()
	defer e.closedLock.RUnlock()

	return e.closed
}

func (e *Engine) account(accountID string) (*accountState, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}

	e.accountsLock.RLock()
	defer e.accountsLock.RUnlock()

	acc, ok := e.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %v", connector.ErrNoSuchAccount, accountID)
	}

	return acc, nil
}

// sessionContext attaches the reporting collaborators of the engine. The returned function must be
// called once the session has ended.
func (e *Engine) sessionContext(ctx context.Context) (context.Context, func()) {
	profiler := e.cmdExecProfBuilder.New()

	ctx = reporter.NewContextWithReporter(ctx, e.reporter)
	ctx = profiling.WithProfiler(ctx, profiler)

	if e.observabilitySender != nil {
		ctx = observability.NewContextWithObservabilitySender(ctx, e.observabilitySender)
	}

	return contexts.WithTraceID(ctx, utils.NewTraceID()), func() { e.cmdExecProfBuilder.Collect(profiler) }
}

func (e *Engine) commandConfig(sessionID string) command.Config {
	return command.Config{
		MailboxID:         sessionID,
		Watchdog:          e.watchdog,
		WatchdogAllowance: e.limits.WatchdogAllowanceDuration(),
		PingAllowance:     e.limits.PingAllowanceDuration(),
		AlarmGrace:        e.limits.AlarmGraceDuration(),
		RedirectCap:       e.limits.RedirectCap,
	}
}

// finish publishes the outcome of a session and maps it for the caller.
func (e *Engine) finish(ctx context.Context, accountID, mailboxID string, status exit.Status) Report {
	report := exit.MapContext(ctx, status)

	logrus.WithField(logging.AccountIDKey, accountID).
		WithField(logging.MailboxIDKey, mailboxID).
		WithField("status", status).
		Debug("Session finished")

	e.Publish(events.SyncFinished{
		AccountID: accountID,
		MailboxID: mailboxID,
		Status:    status,
		Report:    report,
	})

	return report
}
