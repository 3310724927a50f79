package airsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/events"
	"github.com/ProtonMail/airsync/internal/account"
	"github.com/ProtonMail/airsync/internal/command"
	"github.com/ProtonMail/airsync/internal/exit"
	"github.com/ProtonMail/airsync/internal/mailbox"
	"github.com/ProtonMail/airsync/internal/provision"
	"github.com/ProtonMail/airsync/internal/queue"
	"github.com/ProtonMail/airsync/logging"
	"github.com/sirupsen/logrus"
)

// accountState holds the running sessions of one account.
type accountState struct {
	engine *Engine
	id     string
	conn   connector.Connector

	session *account.Session
	exec    *command.Executor
	cancel  context.CancelCauseFunc

	mailboxes map[string]*mailboxState
	lock      sync.Mutex

	log *logrus.Entry
}

type mailboxState struct {
	requests *queue.CTQueue[connector.Request]

	exec   *command.Executor
	cancel context.CancelCauseFunc

	running bool

	// rerun is set when a sync was requested while one was running.
	rerun        bool
	rerunTrigger connector.Trigger

	last    exit.Status
	hasLast bool
}

func newAccountState(engine *Engine, accountID string, conn connector.Connector) *accountState {
	return &accountState{
		engine:    engine,
		id:        accountID,
		conn:      conn,
		mailboxes: make(map[string]*mailboxState),
		log:       logrus.WithField("pkg", "airsync").WithField(logging.AccountIDKey, accountID),
	}
}

func (a *accountState) beginSession(session *account.Session, exec *command.Executor, cancel context.CancelCauseFunc) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.session != nil {
		return false
	}

	a.session, a.exec, a.cancel = session, exec, cancel

	return true
}

func (a *accountState) endSession(session *account.Session) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.session == session {
		a.session, a.exec, a.cancel = nil, nil, nil
	}
}

func (a *accountState) reset() {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.session != nil {
		a.session.Reset()
	}
}

func (a *accountState) stop(cause error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.cancel != nil {
		a.cancel(cause)
	}

	a.stopMailboxesLocked(cause)
}

func (a *accountState) stopMailboxes(cause error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.stopMailboxesLocked(cause)
}

func (a *accountState) stopMailboxesLocked(cause error) {
	for id, m := range a.mailboxes {
		m.rerun = false

		if m.cancel != nil {
			a.log.WithField(logging.MailboxIDKey, id).WithError(cause).Debug("Stopping mailbox sync")
			m.cancel(cause)
		}
	}
}

// discardRequests closes the request queues of the account, dropping the requests not sent yet.
func (a *accountState) discardRequests() {
	a.lock.Lock()
	defer a.lock.Unlock()

	for id, m := range a.mailboxes {
		if dropped := m.requests.CloseAndRetrieveRemaining(); len(dropped) > 0 {
			a.log.WithField(logging.MailboxIDKey, id).WithField("count", len(dropped)).Warn("Dropping pending requests")
		}
	}
}

// executor returns the executor of the account session or of a mailbox session.
func (a *accountState) executor(sessionID string) (*command.Executor, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if sessionID == a.id {
		return a.exec, a.exec != nil
	}

	if m, ok := a.mailboxes[sessionID]; ok && m.exec != nil {
		return m.exec, true
	}

	return nil, false
}

func (a *accountState) mailbox(mailboxID string) *mailboxState {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.mailboxLocked(mailboxID)
}

func (a *accountState) mailboxLocked(mailboxID string) *mailboxState {
	m, ok := a.mailboxes[mailboxID]
	if !ok {
		m = &mailboxState{requests: queue.NewCTQueue[connector.Request]()}
		a.mailboxes[mailboxID] = m
	}

	return m
}

// claim marks the mailbox as syncing. It returns false if a sync is already running.
func (a *accountState) claim(mailboxID string) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	m := a.mailboxLocked(mailboxID)
	if m.running {
		return false
	}

	m.running = true

	return true
}

// release ends the sync of the mailbox, starting the sync requested meanwhile if any.
func (a *accountState) release(mailboxID string) {
	a.lock.Lock()
	defer a.lock.Unlock()

	m := a.mailboxLocked(mailboxID)

	if !m.rerun {
		m.running = false
		return
	}

	m.rerun = false

	a.spawn(mailboxID, m.rerunTrigger)
}

// PingStatus implements account.Dispatcher.
func (a *accountState) PingStatus(mailboxID string) account.PingStatus {
	a.lock.Lock()
	defer a.lock.Unlock()

	m, ok := a.mailboxes[mailboxID]
	if !ok {
		return account.PingReady
	}

	switch {
	case m.running && m.rerun:
		return account.PingWaiting

	case m.running:
		return account.PingRunning

	case m.hasLast && isUnable(m.last):
		return account.PingUnable

	default:
		return account.PingReady
	}
}

// RequestSync implements account.Dispatcher. The sync runs in the background; a request made while the
// mailbox is syncing runs once that sync is over.
func (a *accountState) RequestSync(_ context.Context, mbox connector.Mailbox, trigger connector.Trigger) {
	a.lock.Lock()
	defer a.lock.Unlock()

	m := a.mailboxLocked(mbox.ID)

	if m.running {
		m.rerun, m.rerunTrigger = true, trigger
		return
	}

	m.running = true

	a.spawn(mbox.ID, trigger)
}

// spawn runs a sync of the claimed mailbox in the background.
func (a *accountState) spawn(mailboxID string, trigger connector.Trigger) {
	a.engine.wg.Go(func() {
		defer a.release(mailboxID)

		logging.DoAnnotate(context.Background(), func(ctx context.Context) {
			if _, err := a.syncMailbox(ctx, mailboxID, trigger); err != nil {
				a.log.WithField(logging.MailboxIDKey, mailboxID).WithError(err).Warn("Failed to start mailbox sync")
			}
		}, logging.Labels{
			logging.AccountIDKey: a.id,
			logging.MailboxIDKey: mailboxID,
			"service":            "mailbox",
		})
	})
}

// syncMailbox runs one session of a mailbox claimed by the caller.
func (a *accountState) syncMailbox(ctx context.Context, mailboxID string, trigger connector.Trigger) (exit.Status, error) {
	e := a.engine

	mbox, err := e.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return exit.Exception, err
	}

	if mbox.AccountID != a.id {
		return exit.Exception, fmt.Errorf("%w: %v", connector.ErrNoSuchMailbox, mailboxID)
	}

	stored, err := e.store.GetAccount(ctx, a.id)
	if err != nil {
		return exit.Exception, err
	}

	adapter, err := a.conn.NewSyncAdapter(mbox)
	if err != nil {
		return exit.Exception, fmt.Errorf("failed to create sync adapter: %w", err)
	}

	sessionCtx, done := e.sessionContext(ctx)
	defer done()

	sessionCtx, cancel := context.WithCancelCause(sessionCtx)
	defer cancel(nil)

	exec := command.New(a.conn, cancel, e.commandConfig(mbox.ID))
	exec.SetProtocolVersion(stored.ProtocolVersion)
	exec.SetPolicyKey(stored.PolicyKey)

	neg := provision.New(exec, a.conn, e.store, e.device, e, e.group, e.limits.CommandTimeoutDuration())

	a.lock.Lock()
	m := a.mailboxLocked(mailboxID)
	m.exec, m.cancel = exec, cancel
	a.lock.Unlock()

	loop := mailbox.New(mbox, exec, a.conn, adapter, e.store, e.device, neg, m.requests, e, mailbox.Config{
		MaxLooping:         e.limits.MaxLooping,
		CommandTimeout:     e.limits.CommandTimeoutDuration(),
		InitialSyncTimeout: e.limits.InitialSyncTimeoutDuration(),
		Trigger:            trigger,
	})

	e.Publish(events.SyncStarted{AccountID: a.id, MailboxID: mailboxID})

	status := loop.Run(sessionCtx)

	a.lock.Lock()
	m.exec, m.cancel = nil, nil
	m.last, m.hasLast = status, true
	a.lock.Unlock()

	e.finish(ctx, a.id, mailboxID, status)

	return status, nil
}

// isUnable returns whether a mailbox ending with the status must stay out of pings until synced again.
func isUnable(status exit.Status) bool {
	switch status {
	case exit.LoginFailure, exit.SecurityFailure, exit.AccessDenied, exit.Exception:
		return true

	default:
		return false
	}
}
