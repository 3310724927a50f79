// Package heartbeat implements the adaptive long-poll heartbeat policy.
//
// The controller is pure: it never performs I/O and is driven by the outcome of each ping.
// It is owned by a single account session and is not safe for concurrent use.
package heartbeat

import (
	"errors"
	"fmt"
	"time"

	"github.com/ProtonMail/airsync/limits"
	"github.com/sirupsen/logrus"
)

// ErrHardFailure is returned when a ping failure cannot be explained by an idle connection timeout.
var ErrHardFailure = errors.New("ping failed with a hard error")

// FailureKind describes how a ping ended when it did not complete.
type FailureKind int

const (
	// FailureOther is any transport failure without a recognisable signature.
	FailureOther FailureKind = iota

	// FailureNAT is the signature of a connection silently dropped by an idle timeout.
	FailureNAT

	// FailurePeerReset is a connection reset or broken pipe reported by the peer.
	FailurePeerReset

	// FailureAlarm is an abort triggered by the watchdog.
	FailureAlarm

	// FailureReset is an abort requested by the caller to restart the ping.
	FailureReset
)

func (k FailureKind) String() string {
	switch k {
	case FailureNAT:
		return "nat"
	case FailurePeerReset:
		return "peer-reset"
	case FailureAlarm:
		return "alarm"
	case FailureReset:
		return "reset"
	default:
		return "other"
	}
}

// Failure describes one failed ping.
type Failure struct {
	Kind    FailureKind
	Elapsed time.Duration
	Cause   error
}

// Outcome tells the caller what happened to the heartbeat after a failure.
type Outcome int

const (
	// OutcomeRetry means the ping should simply be reissued.
	OutcomeRetry Outcome = iota

	// OutcomeLowered means the heartbeat was decreased and the ping should be reissued.
	OutcomeLowered
)

// State is a snapshot of the controller.
type State struct {
	Heartbeat int
	Min       int
	Max       int
	Force     int
	HighWater int
	Lowered   bool
}

type Controller struct {
	heartbeat int
	min, max  int
	force     int
	increment int
	highWater int
	lowered   bool

	// hardWindow is the elapsed time under which a failure is too fast to be an idle timeout.
	hardWindow time.Duration

	log *logrus.Entry
}

func New(hb limits.Heartbeat, hardWindow time.Duration) *Controller {
	return &Controller{
		heartbeat:  hb.Start,
		min:        hb.Min,
		max:        hb.Max,
		force:      hb.Force,
		increment:  hb.Increment,
		hardWindow: hardWindow,
		log:        logrus.WithField("pkg", "heartbeat"),
	}
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	return State{
		Heartbeat: c.heartbeat,
		Min:       c.min,
		Max:       c.max,
		Force:     c.force,
		HighWater: c.highWater,
		Lowered:   c.lowered,
	}
}

// Heartbeat returns the tuned heartbeat, in seconds.
func (c *Controller) Heartbeat() int {
	return c.heartbeat
}

// Request returns the heartbeat to put in the next ping. A forced ping uses the short force
// heartbeat, which never becomes the tuned baseline.
func (c *Controller) Request(forced bool) int {
	if forced {
		return c.force
	}

	return c.heartbeat
}

// Succeeded records a ping that completed with "nothing changed". Forced pings are ignored.
func (c *Controller) Succeeded(forced bool) {
	if forced {
		return
	}

	if c.heartbeat < c.max && !c.lowered {
		c.heartbeat = min(c.heartbeat+c.increment, c.max)
		c.log.WithField("heartbeat", c.heartbeat).Debug("Increased ping heartbeat")
	}

	if c.heartbeat > c.highWater {
		c.highWater = c.heartbeat
		c.log.WithField("highWater", c.highWater).Debug("Raised heartbeat high water mark")
	}
}

// Failed records a ping that ended without a response. A nil error means the ping should be
// retried; otherwise the failure is a hard error that must be propagated.
func (c *Controller) Failed(f Failure) (Outcome, error) {
	switch f.Kind {
	case FailureReset:
		c.log.Debug("Ping reset by caller; retrying")
		return OutcomeRetry, nil

	case FailurePeerReset:
		c.log.WithError(f.Cause).Debug("Ping connection reset by peer; retrying")
		return OutcomeRetry, nil

	case FailureNAT, FailureAlarm:
		aborted := f.Kind == FailureAlarm

		if !aborted && f.Elapsed < c.hardWindow {
			return OutcomeRetry, fmt.Errorf("%w: returned after %v: %v", ErrHardFailure, f.Elapsed, f.Cause)
		}

		if c.heartbeat > c.min && c.heartbeat > c.highWater {
			c.heartbeat = max(c.heartbeat-c.increment, c.min, c.highWater)
			c.lowered = true

			c.log.WithField("heartbeat", c.heartbeat).Info("Decreased ping heartbeat")

			return OutcomeLowered, nil
		}

		c.log.WithField("kind", f.Kind).Debug("Ping timed out at its floor; retrying")

		return OutcomeRetry, nil

	default:
		return OutcomeRetry, fmt.Errorf("%w: %v", ErrHardFailure, f.Cause)
	}
}

// ResetHeartbeats adapts the bounds after the server rejected the heartbeat and reported a legal value.
func (c *Controller) ResetHeartbeats(legal int) {
	c.log.WithField("legal", legal).Info("Resetting heartbeat bounds")

	switch {
	case legal > c.heartbeat:
		// The minimum was too low.
		c.min = max(c.min, legal)
		c.force = max(c.force, legal)

		if c.min > c.max {
			c.max = legal
		}

	case legal < c.heartbeat:
		// The maximum was too high.
		c.max = legal

		if c.max < c.min {
			c.min = legal
		}
	}

	c.heartbeat = legal
	c.highWater = min(c.highWater, c.max)
	c.lowered = false
}
