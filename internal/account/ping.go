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
	"github.com/ProtonMail/airsync/internal/status"
	"github.com/ProtonMail/airsync/observability"
	"github.com/ProtonMail/airsync/observability/metrics"
	"github.com/ProtonMail/airsync/reporter"
)

// pingScan is the state of the pingable mailboxes at one point of the ping phase.
type pingScan struct {
	ready    []connector.Mailbox
	notReady int
	uninit   int
	hasInbox bool
}

// pingLoop runs the ping phase. It returns restart when the folder list must be refreshed first.
func (s *Session) pingLoop(ctx context.Context, deadline time.Time) (st exit.Status, restart bool) {
	var waits, backoff int

	for {
		if ctx.Err() != nil || !s.cfg.Now().Before(deadline) {
			return exit.Done, false
		}

		if !s.device.HasConnectivity() {
			s.log.Info("No connectivity, stopping account session")
			return exit.IOError, false
		}

		scan, err := s.scan(ctx)
		if err != nil {
			s.log.WithError(err).Error("Failed to scan mailboxes")
			return exit.Exception, false
		}

		forced := scan.notReady > 0 && waits > s.cfg.Limits.PingForceWaitCount

		var sleep time.Duration

		switch {
		case len(scan.ready) > 0 && (scan.notReady == 0 || forced):
			waits = 0

			res := s.ping(ctx, scan.ready, forced)

			switch res.action {
			case pingContinue:
				backoff = 0

			case pingBackoff:
				if backoff >= len(s.cfg.PingBackoff) {
					s.log.Warn("Ping keeps failing, stopping account session")
					return exit.IOError, false
				}

				sleep = s.cfg.PingBackoff[backoff]
				backoff++

			case pingRestart:
				return exit.Done, true

			case pingStop:
				return res.status, false
			}

		case forced:
			sleep = s.cfg.Sleeps.ForcedNoneReady

		case scan.notReady > 0:
			waits++
			sleep = s.cfg.Sleeps.Waiting

		case scan.uninit > 0:
			sleep = s.cfg.Sleeps.Uninitialized

		case !scan.hasInbox:
			sleep = s.cfg.Sleeps.NoInbox

		default:
			sleep = s.cfg.Limits.AccountSleepDuration()
		}

		if sleep > 0 {
			s.sleep(ctx, min(sleep, deadline.Sub(s.cfg.Now())))
		}
	}
}

// scan partitions the pingable mailboxes, starting the initial sync of the uninitialized ones.
func (s *Session) scan(ctx context.Context) (pingScan, error) {
	mboxes, err := s.store.GetMailboxes(ctx, s.accountID)
	if err != nil {
		return pingScan{}, err
	}

	var scan pingScan

	for _, mbox := range mboxes {
		if mbox.Kind == connector.KindInbox {
			scan.hasInbox = true
		}

		if mbox.Kind == connector.KindAccount || !mbox.Interval.IsPingable() {
			continue
		}

		switch s.dispatcher.PingStatus(mbox.ID) {
		case PingReady:
			if !mbox.IsInitialized() {
				s.dispatcher.RequestSync(ctx, mbox, connector.TriggerPush)
				scan.uninit++

				continue
			}

			scan.ready = append(scan.ready, mbox)

		case PingRunning, PingWaiting:
			scan.notReady++

		case PingUnable:
			// Left out until its error is cleared.
		}
	}

	return scan, nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-s.wakeCh:
	case <-timer.C:
	}
}

type pingAction int

const (
	pingContinue pingAction = iota
	pingBackoff
	pingRestart
	pingStop
)

type pingResult struct {
	action pingAction
	status exit.Status
}

func stop(st exit.Status) pingResult {
	return pingResult{action: pingStop, status: st}
}

// ping sends one ping for the given mailboxes and handles its result.
func (s *Session) ping(ctx context.Context, mboxes []connector.Mailbox, forced bool) pingResult {
	hb := s.hb.Request(forced)

	req := connector.PingRequest{Heartbeat: hb}

	for _, mbox := range mboxes {
		req.Folders = append(req.Folders, connector.PingFolder{ServerID: mbox.ServerID, Class: mbox.Kind.Class()})
	}

	body, err := s.codec.EncodePing(req)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode ping")
		return stop(exit.Exception)
	}

	log := s.log.WithField("heartbeat", hb).WithField("folders", len(mboxes)).WithField("forced", forced)

	log.Debug("Sending ping")

	res, err := s.exec.Execute(ctx, connector.Command{
		Name:    connector.CmdPing,
		Body:    body,
		Timeout: time.Duration(hb)*time.Second + s.cfg.Limits.PingDeadlineBufferDuration(),
		Ping:    true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return stop(exit.Done)
		}

		return s.pingFailed(ctx, failureOf(err))
	}

	switch {
	case res.Status == http.StatusOK:
		// Handled below.

	case status.IsProvisionError(res.Status):
		if st, ok := s.provision(ctx); !ok {
			return stop(st)
		}

		return pingResult{action: pingRestart}

	case status.IsAuthError(res.Status):
		return stop(exit.LoginFailure)

	case res.Status == http.StatusServiceUnavailable:
		log.Warn("Server busy, backing off")
		return pingResult{action: pingBackoff}

	default:
		log.WithField("status", res.Status).Warn("Ping failed")
		return stop(exit.IOError)
	}

	if res.IsEmpty() {
		return s.pingFailed(ctx, heartbeat.Failure{Kind: heartbeat.FailureOther, Cause: errors.New("empty ping response")})
	}

	result, err := s.codec.ParsePing(res.Body)
	if err != nil {
		log.WithError(err).Error("Failed to parse ping")
		return stop(exit.Exception)
	}

	switch result.Status {
	case connector.PingStatusExpired:
		s.hb.Succeeded(forced)
		s.publishHeartbeat()

		return pingResult{action: pingContinue}

	case connector.PingStatusChanges:
		if err := s.changesReported(ctx, mboxes, result.Folders); err != nil {
			log.WithError(err).Error("Failed to handle changes")
			return stop(exit.Exception)
		}

		return pingResult{action: pingContinue}

	case connector.PingStatusBadHeartbeat:
		s.hb.ResetHeartbeats(result.Heartbeat)
		s.publishHeartbeat()

		return pingResult{action: pingContinue}

	case connector.PingStatusFolderSyncStale:
		return pingResult{action: pingRestart}

	case connector.PingStatusServerError:
		return pingResult{action: pingBackoff}

	case connector.PingStatusMissingParams, connector.PingStatusSyntaxError, connector.PingStatusTooManyFolders:
		log.WithField("status", result.Status).Error("Ping rejected")
		return stop(exit.Exception)

	default:
		log.WithField("status", result.Status).Error("Unexpected ping status")

		reporter.UnexpectedStatus(ctx, connector.CmdPing, result.Status, "unknown ping status", reporter.Context{"accountID": s.accountID})
		observability.AddProtocolMetric(ctx, metrics.GenerateUnexpectedStatusMetric(connector.CmdPing))

		return stop(exit.Exception)
	}
}

func (s *Session) pingFailed(ctx context.Context, f heartbeat.Failure) pingResult {
	outcome, err := s.hb.Failed(f)
	if err != nil {
		s.log.WithError(err).Warn("Ping failed")
		return pingResult{action: pingBackoff}
	}

	if outcome == heartbeat.OutcomeLowered {
		s.publishHeartbeat()
	}

	return pingResult{action: pingContinue}
}

// changesReported requests a sync of every changed mailbox, removing from the long poll the
// mailboxes whose change reports keep producing nothing.
func (s *Session) changesReported(ctx context.Context, pinged []connector.Mailbox, changed []string) error {
	byServerID := make(map[string]connector.Mailbox, len(pinged))

	for _, mbox := range pinged {
		byServerID[mbox.ServerID] = mbox
	}

	for _, serverID := range changed {
		mbox, ok := byServerID[serverID]
		if !ok {
			s.log.WithField("serverID", serverID).Debug("Change reported for a folder that was not pinged")
			continue
		}

		if _, ok := s.pinged[mbox.ID]; ok && mbox.LastSync.Trigger == connector.TriggerPing {
			if mbox.LastSync.Changes == 0 {
				s.spurious[mbox.ID]++
			} else {
				s.spurious[mbox.ID] = 0
			}
		}

		if s.spurious[mbox.ID] >= s.cfg.Limits.PingFailureThreshold {
			if err := s.demote(ctx, mbox); err != nil {
				return err
			}

			continue
		}

		s.pinged[mbox.ID] = struct{}{}
		s.dispatcher.RequestSync(ctx, mbox, connector.TriggerPing)
	}

	return nil
}

func (s *Session) demote(ctx context.Context, mbox connector.Mailbox) error {
	s.log.WithField("mailboxID", mbox.ID).Warn("Mailbox keeps reporting spurious changes, switching to manual sync")

	if err := s.store.SetInterval(ctx, mbox.ID, connector.IntervalManual); err != nil {
		return err
	}

	delete(s.spurious, mbox.ID)
	delete(s.pinged, mbox.ID)

	observability.AddSyncMetric(ctx, metrics.GenerateMailboxDemotedMetric())

	s.publisher.Publish(events.MailboxDemoted{
		AccountID: s.accountID,
		MailboxID: mbox.ID,
		Interval:  connector.IntervalManual.String(),
	})

	return nil
}

func (s *Session) publishHeartbeat() {
	s.publisher.Publish(events.HeartbeatChanged{
		AccountID: s.accountID,
		Heartbeat: time.Duration(s.hb.Heartbeat()) * time.Second,
	})
}

// failureOf maps a transport error to the heartbeat failure it stands for.
func failureOf(err error) heartbeat.Failure {
	f := heartbeat.Failure{Kind: heartbeat.FailureOther, Cause: err}

	var terr *command.TransportError
	if errors.As(err, &terr) {
		f.Elapsed = terr.Elapsed
	}

	switch {
	case errors.Is(err, command.ErrCallerReset):
		f.Kind = heartbeat.FailureReset

	case errors.Is(err, command.ErrWatchdogAbort):
		f.Kind = heartbeat.FailureAlarm

	case command.IsTransportError(err, command.KindNAT):
		f.Kind = heartbeat.FailureNAT

	case command.IsTransportError(err, command.KindPeerReset):
		f.Kind = heartbeat.FailurePeerReset
	}

	return f
}
