package command

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/internal/watchdog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestExecutor(dummy *connector.Dummy, escalate context.CancelCauseFunc, wd Watchdog) *Executor {
	return New(dummy, escalate, Config{
		MailboxID:         "inbox",
		Watchdog:          wd,
		WatchdogAllowance: 30 * time.Second,
		PingAllowance:     30 * time.Second,
		AlarmGrace:        100 * time.Millisecond,
		RedirectCap:       3,
	})
}

// executeAsync starts the command and waits until the server received it.
func executeAsync(t *testing.T, dummy *connector.Dummy, exec *Executor, cmd connector.Command) <-chan error {
	errCh := make(chan error, 1)

	sent := len(dummy.Requests(""))

	go func() {
		_, err := exec.Execute(context.Background(), cmd)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(dummy.Requests("")) > sent
	}, time.Second, time.Millisecond)

	return errCh
}

func TestExecutor_StampsHeaders(t *testing.T) {
	dummy := connector.NewDummy()
	dummy.Always(connector.CmdSync, connector.Status(http.StatusOK))

	exec := newTestExecutor(dummy, nil, nil)
	exec.SetProtocolVersion("14.0")

	res, err := exec.Execute(context.Background(), connector.Command{Name: connector.CmdSync})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)

	exec.SetPolicyKey("1234")

	_, err = exec.Execute(context.Background(), connector.Command{Name: connector.CmdSync})
	require.NoError(t, err)

	reqs := dummy.Requests(connector.CmdSync)
	require.Equal(t, "0", reqs[0].PolicyKey)
	require.Equal(t, "14.0", reqs[0].ProtocolVersion)
	require.Equal(t, "1234", reqs[1].PolicyKey)
}

func TestExecutor_Redirect(t *testing.T) {
	dummy := connector.NewDummy()
	dummy.Script(connector.CmdSync, connector.Redirect("mail2.example.com"))
	dummy.Always(connector.CmdSync, connector.Status(http.StatusOK))

	exec := newTestExecutor(dummy, nil, nil)

	res, err := exec.Execute(context.Background(), connector.Command{Name: connector.CmdSync})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "mail2.example.com", dummy.Host())
	require.Len(t, dummy.Requests(connector.CmdSync), 2)
}

func TestExecutor_RedirectExceeded(t *testing.T) {
	dummy := connector.NewDummy()
	dummy.Always(connector.CmdSync, connector.Redirect("loop.example.com"))

	exec := newTestExecutor(dummy, nil, nil)

	_, err := exec.Execute(context.Background(), connector.Command{Name: connector.CmdSync})
	require.ErrorIs(t, err, ErrRedirectExceeded)
	require.Len(t, dummy.Requests(connector.CmdSync), 4)
}

func TestExecutor_AlarmAbortsCommand(t *testing.T) {
	defer goleak.VerifyNone(t)

	dummy := connector.NewDummy()
	dummy.Script(connector.CmdSync, connector.Block())

	exec := newTestExecutor(dummy, nil, nil)

	errCh := executeAsync(t, dummy, exec, connector.Command{Name: connector.CmdSync})

	require.True(t, exec.Alarm())

	err := <-errCh
	require.ErrorIs(t, err, ErrWatchdogAbort)
	require.NotErrorIs(t, err, ErrCallerReset)
	require.True(t, IsTransportError(err, KindAborted))
}

func TestExecutor_AlarmIdle(t *testing.T) {
	exec := newTestExecutor(connector.NewDummy(), nil, nil)

	require.True(t, exec.Alarm())
	require.False(t, exec.Reset())
}

func TestExecutor_AlarmEscalates(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})

	dummy := connector.NewDummy()
	dummy.Script(connector.CmdSync, connector.Stall(release))

	session, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	exec := newTestExecutor(dummy, cancel, nil)

	errCh := executeAsync(t, dummy, exec, connector.Command{Name: connector.CmdSync})

	require.False(t, exec.Alarm())
	require.ErrorIs(t, context.Cause(session), ErrWatchdogAbort)

	close(release)

	require.ErrorIs(t, <-errCh, ErrWatchdogAbort)
}

func TestExecutor_ResetOnlyPing(t *testing.T) {
	defer goleak.VerifyNone(t)

	dummy := connector.NewDummy()
	dummy.Script(connector.CmdSync, connector.Block())
	dummy.Script(connector.CmdPing, connector.Block())

	exec := newTestExecutor(dummy, nil, nil)

	errCh := executeAsync(t, dummy, exec, connector.Command{Name: connector.CmdSync})
	require.False(t, exec.Reset())
	require.True(t, exec.Alarm())
	require.ErrorIs(t, <-errCh, ErrWatchdogAbort)

	errCh = executeAsync(t, dummy, exec, connector.Command{Name: connector.CmdPing, Ping: true})
	require.True(t, exec.Reset())

	err := <-errCh
	require.ErrorIs(t, err, ErrCallerReset)
	require.NotErrorIs(t, err, ErrWatchdogAbort)
}

func TestExecutor_TimeoutIsNAT(t *testing.T) {
	dummy := connector.NewDummy()
	dummy.Script(connector.CmdPing, connector.Block())

	exec := newTestExecutor(dummy, nil, nil)

	_, err := exec.Execute(context.Background(), connector.Command{Name: connector.CmdPing, Ping: true, Timeout: 10 * time.Millisecond})
	require.True(t, IsTransportError(err, KindNAT))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_TransportKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"broken pipe", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, KindPeerReset},
		{"connection reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, KindPeerReset},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), KindNAT},
		{"dns", &net.DNSError{Err: "no such host", Name: "mail.example.com"}, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dummy := connector.NewDummy()
			dummy.Script(connector.CmdSync, connector.Fail(tt.err))

			_, err := newTestExecutor(dummy, nil, nil).Execute(context.Background(), connector.Command{Name: connector.CmdSync})
			require.True(t, IsTransportError(err, tt.kind), "got %v", err)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestExecutor_Watchdog(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	wd := watchdog.New(time.Hour, func() time.Time { return now })
	defer wd.Close()

	dummy := connector.NewDummy()
	dummy.Script(connector.CmdPing, connector.Block())

	exec := newTestExecutor(dummy, nil, wd)

	errCh := executeAsync(t, dummy, exec, connector.Command{Name: connector.CmdPing, Ping: true, Timeout: 470 * time.Second})

	require.Eventually(t, func() bool {
		expiry, ok := wd.NextPingExpiry()
		return ok && expiry.Equal(now.Add(500*time.Second))
	}, time.Second, time.Millisecond)

	require.True(t, exec.Reset())
	require.ErrorIs(t, <-errCh, ErrCallerReset)

	_, ok := wd.NextPingExpiry()
	require.False(t, ok)
}

// capturingWatchdog keeps the alarms it is given so a test can fire them at will.
type capturingWatchdog struct {
	lock  sync.Mutex
	fires []func()
}

func (w *capturingWatchdog) Set(_ string, _ time.Duration, _ bool, fire func()) {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.fires = append(w.fires, fire)
}

func (w *capturingWatchdog) Clear(string) {}

func (w *capturingWatchdog) fire(i int) {
	w.lock.Lock()
	fire := w.fires[i]
	w.lock.Unlock()

	fire()
}

func TestExecutor_StaleAlarmSparesNextCommand(t *testing.T) {
	defer goleak.VerifyNone(t)

	wd := &capturingWatchdog{}

	dummy := connector.NewDummy()
	dummy.Script(connector.CmdSync, connector.Status(http.StatusOK), connector.Block())

	exec := newTestExecutor(dummy, nil, wd)

	_, err := exec.Execute(context.Background(), connector.Command{Name: connector.CmdSync})
	require.NoError(t, err)

	errCh := executeAsync(t, dummy, exec, connector.Command{Name: connector.CmdSync})

	// The alarm of the first sync expires late, while the second one is in flight.
	wd.fire(0)

	select {
	case err := <-errCh:
		require.FailNow(t, "second sync aborted by the first sync's alarm", "%v", err)

	case <-time.After(50 * time.Millisecond):
	}

	// Its own alarm still aborts it.
	wd.fire(1)

	require.ErrorIs(t, <-errCh, ErrWatchdogAbort)
}
