// Package command executes protocol commands that can be aborted from other goroutines.
package command

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/internal/status"
	"github.com/ProtonMail/airsync/observability"
	"github.com/ProtonMail/airsync/observability/metrics"
	"github.com/ProtonMail/airsync/profiling"
	"github.com/sirupsen/logrus"
)

// Watchdog registers alarms for in-flight commands.
type Watchdog interface {
	Set(mailboxID string, after time.Duration, ping bool, fire func())
	Clear(mailboxID string)
}

// Config tunes an Executor.
type Config struct {
	// MailboxID identifies the watchdog alarm of the session.
	MailboxID string

	// Watchdog may be nil, in which case no alarm is registered.
	Watchdog Watchdog

	WatchdogAllowance time.Duration
	PingAllowance     time.Duration
	AlarmGrace        time.Duration
	RedirectCap       int
}

type inflight struct {
	id     uint64
	name   string
	ping   bool
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Executor runs the commands of one session, one at a time.
type Executor struct {
	transport connector.Transport
	cfg       Config

	// escalate cancels the whole session when an aborted command does not return.
	escalate context.CancelCauseFunc

	policyKey       string
	protocolVersion string

	inflight *inflight
	nextID   uint64
	lock     sync.Mutex

	log *logrus.Entry
}

func New(transport connector.Transport, escalate context.CancelCauseFunc, cfg Config) *Executor {
	return &Executor{
		transport: transport,
		cfg:       cfg,
		escalate:  escalate,
		log:       logrus.WithField("pkg", "command").WithField("mailboxID", cfg.MailboxID),
	}
}

// SetPolicyKey sets the policy key sent with every command. An empty key is sent as "0".
func (e *Executor) SetPolicyKey(key string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.policyKey = key
}

func (e *Executor) SetProtocolVersion(version string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.protocolVersion = version
}

func (e *Executor) ProtocolVersion() string {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.protocolVersion
}

// Execute sends the command, following redirects up to the configured cap.
// A response is returned for every HTTP status; the error is set only when no response was received.
func (e *Executor) Execute(ctx context.Context, cmd connector.Command) (*connector.Response, error) {
	for redirects := 0; ; redirects++ {
		res, err := e.execute(ctx, cmd)
		if err != nil {
			return nil, err
		}

		if !status.IsRedirect(res.Status) {
			return res, nil
		}

		if redirects >= e.cfg.RedirectCap {
			return nil, fmt.Errorf("%v: %w", cmd.Name, ErrRedirectExceeded)
		}

		host, err := redirectHost(res.Header.Get(connector.HeaderLocation))
		if err != nil {
			return nil, fmt.Errorf("%v: invalid redirect: %w", cmd.Name, err)
		}

		e.log.WithField("host", host).Info("Server redirected the account")

		e.transport.SetHost(host)
	}
}

// Alarm aborts the in-flight command. It returns false if the command did not return within the grace
// period, in which case the session was cancelled.
func (e *Executor) Alarm() bool {
	return e.alarm(nil)
}

// alarm aborts the in-flight command if it is target, or whatever command is in flight if target is nil.
// An alarm set for a command that has since returned never touches the next one.
func (e *Executor) alarm(target *inflight) bool {
	e.lock.Lock()

	handle := e.inflight
	if handle == nil || (target != nil && handle != target) {
		e.lock.Unlock()
		return true
	}

	handle.cancel(ErrWatchdogAbort)

	e.lock.Unlock()

	e.log.WithField("cmd", handle.name).WithField("id", handle.id).Warn("Watchdog alarm, aborting command")

	timer := time.NewTimer(e.cfg.AlarmGrace)
	defer timer.Stop()

	select {
	case <-handle.done:
		return true

	case <-timer.C:
	}

	e.lock.Lock()
	stuck := e.inflight == handle
	e.lock.Unlock()

	if !stuck {
		return true
	}

	e.log.WithField("cmd", handle.name).Error("Command ignored the watchdog abort, cancelling session")

	observability.AddOtherMetric(context.Background(), metrics.GenerateWatchdogEscalationMetric())

	if e.escalate != nil {
		e.escalate(ErrWatchdogAbort)
	}

	return false
}

// Reset aborts the in-flight command if it is a ping. It returns whether a ping was aborted.
func (e *Executor) Reset() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.inflight == nil || !e.inflight.ping {
		return false
	}

	e.inflight.cancel(ErrCallerReset)

	return true
}

func (e *Executor) execute(ctx context.Context, cmd connector.Command) (*connector.Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if cmd.Timeout > 0 {
		var cancelTimeout context.CancelFunc

		ctx, cancelTimeout = context.WithTimeout(ctx, cmd.Timeout)
		defer cancelTimeout()
	}

	handle := e.publish(&cmd, cancel)
	defer e.clear(handle)

	if e.cfg.Watchdog != nil {
		allowance := e.cfg.WatchdogAllowance
		if cmd.Ping {
			allowance = e.cfg.PingAllowance
		}

		e.cfg.Watchdog.Set(e.cfg.MailboxID, cmd.Timeout+allowance, cmd.Ping, func() { e.alarm(handle) })
		defer e.cfg.Watchdog.Clear(e.cfg.MailboxID)
	}

	cmdType := profiling.CmdTypeFromName(cmd.Name)

	profiling.Start(ctx, cmdType)
	defer profiling.Stop(ctx, cmdType)

	start := time.Now()

	res, err := e.transport.Send(ctx, cmd)
	if err != nil {
		// The cause tells aborts apart from the caller's own timeout.
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %v", cause, err)
		}

		terr := &TransportError{Cmd: cmd.Name, Kind: classify(err), Elapsed: time.Since(start), Err: err}

		e.log.WithError(err).WithField("cmd", cmd.Name).WithField("kind", terr.Kind).Debug("Command failed")

		return nil, terr
	}

	e.log.WithField("cmd", cmd.Name).WithField("status", res.Status).Debug("Command done")

	return res, nil
}

// publish stamps the command headers and publishes its handle.
func (e *Executor) publish(cmd *connector.Command, cancel context.CancelCauseFunc) *inflight {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.nextID++

	handle := &inflight{
		id:     e.nextID,
		name:   cmd.Name,
		ping:   cmd.Ping,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.inflight = handle

	if cmd.PolicyKey == "" {
		cmd.PolicyKey = e.policyKey
	}

	if cmd.PolicyKey == "" {
		cmd.PolicyKey = "0"
	}

	if cmd.ProtocolVersion == "" {
		cmd.ProtocolVersion = e.protocolVersion
	}

	return handle
}

func (e *Executor) clear(handle *inflight) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.inflight == handle {
		e.inflight = nil
	}

	close(handle.done)
}

func redirectHost(location string) (string, error) {
	if location == "" {
		return "", errors.New("missing location")
	}

	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}

	if u.Host != "" {
		return u.Host, nil
	}

	return u.Path, nil
}
