package airsync

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/events"
	"github.com/ProtonMail/airsync/internal/account"
	"github.com/ProtonMail/airsync/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testAccountID = "acc"
	testInboxID   = "acc/5"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *connector.Dummy) {
	engine, err := New(append([]Option{WithDevice(connector.NewDummyDevice())}, opts...)...)
	require.NoError(t, err)

	engine.accountCfg.Sleeps = account.Sleeps{
		ForcedNoneReady: time.Millisecond,
		Waiting:         time.Millisecond,
		Uninitialized:   time.Millisecond,
		NoInbox:         time.Millisecond,
	}
	engine.accountCfg.FolderSyncBackoff = []time.Duration{time.Millisecond}
	engine.accountCfg.PingBackoff = []time.Duration{time.Millisecond, time.Millisecond}

	dummy := connector.NewDummy()

	id, err := engine.AddAccount(context.Background(), connector.Account{
		ID:               testAccountID,
		Interval:         connector.IntervalPush,
		ProtocolVersion:  "14.0",
		VersionCheckedAt: time.Now(),
	}, dummy)
	require.NoError(t, err)
	require.Equal(t, testAccountID, id)

	return engine, dummy
}

// newStoreEngine returns an engine whose store already knows the inbox of the account.
func newStoreEngine(t *testing.T) (*Engine, *connector.Dummy, *connector.DummyStore) {
	store := connector.NewDummyStore()

	engine, dummy := newTestEngine(t, WithStore(store))

	store.PutMailbox(connector.Mailbox{
		ID:        testInboxID,
		AccountID: testAccountID,
		ServerID:  "5",
		Kind:      connector.KindInbox,
		SyncKey:   "1",
		Interval:  connector.IntervalPush,
	})

	return engine, dummy, store
}

func closeEngine(t *testing.T, engine *Engine) {
	require.NoError(t, engine.Close(context.Background()))
}

func drain[T any](ch <-chan T) []T {
	var items []T

	for item := range ch {
		items = append(items, item)
	}

	return items
}

func syncReply(key string, changes int) connector.Handler {
	return connector.Reply(http.StatusOK, connector.SyncResult{Status: 1, SyncKey: key, Changes: changes})
}

func TestNew_RequiresDevice(t *testing.T) {
	_, err := New()
	require.ErrorIs(t, err, ErrNoDevice)
}

func TestNew_InvalidLimits(t *testing.T) {
	lim := limits.DefaultLimits()
	lim.Heartbeat.Min = lim.Heartbeat.Max + 1

	_, err := New(WithDevice(connector.NewDummyDevice()), WithLimits(lim))
	require.Error(t, err)
}

func TestAddAccount_GeneratesIDs(t *testing.T) {
	store := connector.NewDummyStore()

	engine, err := New(WithDevice(connector.NewDummyDevice()), WithStore(store))
	require.NoError(t, err)
	defer closeEngine(t, engine)

	id, err := engine.AddAccount(context.Background(), connector.Account{}, connector.NewDummy())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, stored.DeviceID)
}

func TestAddAccount_LoadsKnownAccount(t *testing.T) {
	store := connector.NewDummyStore()
	store.PutAccount(connector.Account{ID: testAccountID, PolicyKey: "key"})

	engine, err := New(WithDevice(connector.NewDummyDevice()), WithStore(store))
	require.NoError(t, err)
	defer closeEngine(t, engine)

	_, err = engine.AddAccount(context.Background(), connector.Account{ID: testAccountID}, connector.NewDummy())
	require.NoError(t, err)

	stored, err := store.GetAccount(context.Background(), testAccountID)
	require.NoError(t, err)
	require.Equal(t, "key", stored.PolicyKey)
}

func TestEngine_UnknownAccount(t *testing.T) {
	engine, _ := newTestEngine(t)
	defer closeEngine(t, engine)

	_, err := engine.RunAccountSession(context.Background(), "other")
	require.True(t, IsNoSuchAccount(err))

	require.True(t, IsNoSuchAccount(engine.Reset("other")))
	require.True(t, IsNoSuchAccount(engine.Stop("other")))
}

func TestEngine_Closed(t *testing.T) {
	engine, _ := newTestEngine(t)

	closeEngine(t, engine)
	closeEngine(t, engine)

	_, err := engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
	require.ErrorIs(t, err, ErrClosed)

	_, err = engine.AddAccount(context.Background(), connector.Account{}, connector.NewDummy())
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunMailboxSession(t *testing.T) {
	engine, dummy, store := newStoreEngine(t)
	defer closeEngine(t, engine)

	dummy.Script(connector.CmdSync, syncReply("2", 4))

	report, err := engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
	require.NoError(t, err)
	require.Equal(t, Success, report.Status)

	mbox, err := store.GetMailbox(context.Background(), testInboxID)
	require.NoError(t, err)
	require.Equal(t, "2", mbox.SyncKey)
	require.Equal(t, connector.TriggerScheduled, mbox.LastSync.Trigger)
	require.Equal(t, 4, dummy.Adapter(mbox).Applied())
}

func TestRunMailboxSession_UnknownMailbox(t *testing.T) {
	engine, _, _ := newStoreEngine(t)
	defer closeEngine(t, engine)

	_, err := engine.RunMailboxSession(context.Background(), testAccountID, "acc/9")
	require.True(t, IsNoSuchMailbox(err))
}

func TestRunMailboxSession_ConnectionErrors(t *testing.T) {
	engine, dummy, store := newStoreEngine(t)
	defer closeEngine(t, engine)

	dummy.Always(connector.CmdSync, connector.Fail(io.ErrUnexpectedEOF))

	// Background syncs do not surface connection errors.
	report, err := engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
	require.NoError(t, err)
	require.Equal(t, Success, report.Status)

	report, err = engine.RunMailboxSession(AsUserRequest(context.Background()), testAccountID, testInboxID)
	require.NoError(t, err)
	require.Equal(t, ConnectionError, report.Status)

	mbox, err := store.GetMailbox(context.Background(), testInboxID)
	require.NoError(t, err)
	require.Equal(t, "1", mbox.SyncKey)
}

func TestRunMailboxSession_LoginFailureLeavesPing(t *testing.T) {
	engine, dummy, _ := newStoreEngine(t)
	defer closeEngine(t, engine)

	dummy.Script(connector.CmdSync, connector.Status(http.StatusUnauthorized), syncReply("2", 0))

	acc, err := engine.account(testAccountID)
	require.NoError(t, err)

	report, err := engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
	require.NoError(t, err)
	require.Equal(t, LoginFailed, report.Status)
	require.Equal(t, account.PingUnable, acc.PingStatus(testInboxID))

	report, err = engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
	require.NoError(t, err)
	require.Equal(t, Success, report.Status)
	require.Equal(t, account.PingReady, acc.PingStatus(testInboxID))
}

func TestEnqueue_DropsDuplicates(t *testing.T) {
	engine, dummy, _ := newStoreEngine(t)
	defer closeEngine(t, engine)

	dummy.Always(connector.CmdMoveItems, connector.Status(http.StatusOK))
	dummy.Script(connector.CmdSync, syncReply("2", 0))

	move := connector.MessageMove{MessageID: "m1", FromFolder: "5", ToFolder: "6"}

	ok, err := engine.Enqueue(testAccountID, testInboxID, move)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.Enqueue(testAccountID, testInboxID, move)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
	require.NoError(t, err)

	require.Len(t, dummy.Requests(connector.CmdMoveItems), 1)
	require.Equal(t, []connector.Request{move}, dummy.Adapter(connector.Mailbox{ID: testInboxID}).Completed())
}

func TestAlarm_AbortsMailboxSync(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine, dummy, _ := newStoreEngine(t)

	dummy.Script(connector.CmdSync, connector.Block())

	done := make(chan Report)

	go func() {
		report, err := engine.RunMailboxSession(AsUserRequest(context.Background()), testAccountID, testInboxID)
		assert.NoError(t, err)

		done <- report
	}()

	require.Eventually(t, func() bool { return len(dummy.Requests(connector.CmdSync)) == 1 }, time.Second, time.Millisecond)
	require.True(t, engine.Alarm(testInboxID))

	report := <-done
	require.Equal(t, ConnectionError, report.Status)
	require.False(t, engine.Alarm(testInboxID))

	closeEngine(t, engine)
}

func TestMailboxSession_Busy(t *testing.T) {
	engine, dummy, _ := newStoreEngine(t)
	defer closeEngine(t, engine)

	dummy.Script(connector.CmdSync, connector.Block())

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, err := engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
		assert.NoError(t, err)
	}()

	acc, err := engine.account(testAccountID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(dummy.Requests(connector.CmdSync)) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, account.PingRunning, acc.PingStatus(testInboxID))

	_, err = engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
	require.ErrorIs(t, err, ErrSessionRunning)

	// Provisioning halts every mailbox sync of the account.
	engine.StopNonAccountSyncs(testAccountID)

	<-done
}

func TestRequestSync_RerunsAfterRunningSync(t *testing.T) {
	engine, dummy, store := newStoreEngine(t)
	defer closeEngine(t, engine)

	release := make(chan struct{})

	dummy.Script(connector.CmdSync,
		func(ctx context.Context, cmd connector.Command) (*connector.Response, error) {
			<-release
			return syncReply("2", 1)(ctx, cmd)
		},
		syncReply("3", 1),
	)

	acc, err := engine.account(testAccountID)
	require.NoError(t, err)

	mbox, err := store.GetMailbox(context.Background(), testInboxID)
	require.NoError(t, err)

	acc.RequestSync(context.Background(), mbox, connector.TriggerPush)
	require.Eventually(t, func() bool { return acc.PingStatus(testInboxID) == account.PingRunning }, time.Second, time.Millisecond)

	acc.RequestSync(context.Background(), mbox, connector.TriggerPing)
	require.Equal(t, account.PingWaiting, acc.PingStatus(testInboxID))

	close(release)

	require.Eventually(t, func() bool {
		mbox, err := store.GetMailbox(context.Background(), testInboxID)
		return err == nil && mbox.SyncKey == "3" && acc.PingStatus(testInboxID) == account.PingReady
	}, time.Second, time.Millisecond)

	mbox, err = store.GetMailbox(context.Background(), testInboxID)
	require.NoError(t, err)
	require.Equal(t, connector.TriggerPing, mbox.LastSync.Trigger)
	require.Len(t, dummy.Requests(connector.CmdSync), 2)
}

func TestProvision(t *testing.T) {
	engine, dummy, store := newStoreEngine(t)
	defer closeEngine(t, engine)

	dummy.Script(connector.CmdProvision,
		connector.Reply(http.StatusOK, connector.ProvisionResult{Status: 1, PolicyKey: "temp", Policy: &connector.Policy{}}),
		connector.Reply(http.StatusOK, connector.ProvisionResult{Status: 1, PolicyKey: "final"}),
	)

	require.NoError(t, engine.Provision(context.Background(), testAccountID))

	stored, err := store.GetAccount(context.Background(), testAccountID)
	require.NoError(t, err)
	require.Equal(t, "final", stored.PolicyKey)
	require.False(t, stored.SecurityHold)
}

func TestRunAccountSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// The default store is an in-memory database.
	engine, dummy := newTestEngine(t)

	finished := engine.AddWatcher(events.SyncFinished{})

	dummy.Always(connector.CmdFolderSync, connector.Reply(http.StatusOK, connector.FolderSyncResult{
		Status:  1,
		SyncKey: "1",
		Changes: []connector.FolderChange{{Op: connector.FolderAdd, ServerID: "5", Name: "Inbox", Kind: connector.KindInbox}},
	}))
	dummy.Always(connector.CmdSync, syncReply("2", 3))
	dummy.Always(connector.CmdPing, connector.Block())

	done := make(chan Report)

	go func() {
		report, err := engine.RunAccountSession(context.Background(), testAccountID)
		assert.NoError(t, err)

		done <- report
	}()

	// The new inbox is synced before it is watched.
	require.Eventually(t, func() bool { return len(dummy.Requests(connector.CmdPing)) == 1 }, 5*time.Second, time.Millisecond)

	_, err := engine.RunAccountSession(context.Background(), testAccountID)
	require.ErrorIs(t, err, ErrSessionRunning)

	mbox, err := engine.store.GetMailbox(context.Background(), testInboxID)
	require.NoError(t, err)
	require.Equal(t, "2", mbox.SyncKey)
	require.Equal(t, connector.TriggerPush, mbox.LastSync.Trigger)

	ping, err := connector.DecodeBody[connector.PingRequest](dummy.Requests(connector.CmdPing)[0].Body)
	require.NoError(t, err)
	require.Equal(t, []connector.PingFolder{{ServerID: "5", Class: "Email"}}, ping.Folders)
	require.Equal(t, limits.DefaultLimits().Heartbeat.Start, ping.Heartbeat)

	expiry, ok := engine.NextPingExpiry()
	require.True(t, ok)
	require.True(t, expiry.After(time.Now()))

	require.NoError(t, engine.Stop(testAccountID))
	require.Equal(t, Success, (<-done).Status)

	closeEngine(t, engine)

	var mailboxes []string

	for _, event := range drain(finished) {
		mailboxes = append(mailboxes, event.(events.SyncFinished).MailboxID)
	}

	require.Equal(t, []string{testInboxID, ""}, mailboxes)
}

func TestReset_RestartsPing(t *testing.T) {
	engine, dummy, _ := newStoreEngine(t)
	defer closeEngine(t, engine)

	dummy.Always(connector.CmdFolderSync, connector.Reply(http.StatusOK, connector.FolderSyncResult{Status: 1, SyncKey: "2"}))
	dummy.Always(connector.CmdPing, connector.Block())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, err := engine.RunAccountSession(ctx, testAccountID)
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return len(dummy.Requests(connector.CmdPing)) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, engine.Reset(testAccountID))

	require.Eventually(t, func() bool { return len(dummy.Requests(connector.CmdPing)) == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestWatcher_Types(t *testing.T) {
	engine, _ := newTestEngine(t)

	all := engine.AddWatcher()
	demoted := engine.AddWatcher(events.MailboxDemoted{})

	engine.Publish(events.SyncStarted{AccountID: testAccountID})
	engine.Publish(events.MailboxDemoted{AccountID: testAccountID, MailboxID: testInboxID, Interval: "manual"})

	closeEngine(t, engine)

	require.Len(t, drain(all), 2)
	require.Equal(t, []events.Event{
		events.MailboxDemoted{AccountID: testAccountID, MailboxID: testInboxID, Interval: "manual"},
	}, drain(demoted))
}

func TestAddWatcher_AfterClose(t *testing.T) {
	engine, _ := newTestEngine(t)

	closeEngine(t, engine)

	_, ok := <-engine.AddWatcher()
	require.False(t, ok)
}

func TestRemoveAccount_DropsPendingRequests(t *testing.T) {
	engine, _, _ := newStoreEngine(t)
	defer closeEngine(t, engine)

	move := connector.MessageMove{MessageID: "m1", FromFolder: "5", ToFolder: "6"}

	ok, err := engine.Enqueue(testAccountID, testInboxID, move)
	require.NoError(t, err)
	require.True(t, ok)

	acc, err := engine.account(testAccountID)
	require.NoError(t, err)

	require.NoError(t, engine.RemoveAccount(testAccountID))

	requests := acc.mailbox(testInboxID).requests
	require.True(t, requests.IsClosed())
	require.Zero(t, requests.Len())

	_, err = engine.Enqueue(testAccountID, testInboxID, move)
	require.True(t, IsNoSuchAccount(err))
}

func TestAlarm_DoesNotHoldAccounts(t *testing.T) {
	engine, dummy, _ := newStoreEngine(t)
	defer closeEngine(t, engine)

	release := make(chan struct{})
	defer close(release)

	engine.limits.AlarmGrace = 1
	dummy.Script(connector.CmdSync, connector.Stall(release))

	go func() {
		_, _ = engine.RunMailboxSession(context.Background(), testAccountID, testInboxID)
	}()

	require.Eventually(t, func() bool { return len(dummy.Requests(connector.CmdSync)) == 1 }, time.Second, time.Millisecond)

	alarmed := make(chan bool)

	go func() { alarmed <- engine.Alarm(testInboxID) }()

	time.Sleep(20 * time.Millisecond)

	// The alarm waits for the stalled command; adding an account meanwhile does not.
	added := make(chan error)

	go func() {
		_, err := engine.AddAccount(context.Background(), connector.Account{ID: "other"}, connector.NewDummy())
		added <- err
	}()

	select {
	case err := <-added:
		require.NoError(t, err)

	case <-alarmed:
		require.FailNow(t, "alarm returned before the account was added")
	}

	require.False(t, <-alarmed)
}
