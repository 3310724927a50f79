package heartbeat

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/ProtonMail/airsync/limits"
	"github.com/stretchr/testify/require"
)

var errIO = errors.New("i/o failure")

func newController(start int) *Controller {
	return New(limits.Heartbeat{
		Min:       290,
		Start:     start,
		Max:       1020,
		Force:     110,
		Increment: 180,
	}, 2*time.Second)
}

func TestSucceededIncreasesHeartbeat(t *testing.T) {
	c := newController(300)

	c.Succeeded(false)

	state := c.State()
	require.Equal(t, 480, state.Heartbeat)
	require.Equal(t, 480, state.HighWater)
	require.False(t, state.Lowered)
}

func TestSucceededClampsToMax(t *testing.T) {
	c := newController(900)

	c.Succeeded(false)
	require.Equal(t, 1020, c.Heartbeat())

	c.Succeeded(false)
	require.Equal(t, 1020, c.Heartbeat())
}

func TestForcedSuccessIsIgnored(t *testing.T) {
	c := newController(300)

	c.Succeeded(true)

	require.Equal(t, 300, c.Heartbeat())
	require.Zero(t, c.State().HighWater)
	require.Equal(t, 110, c.Request(true))
	require.Equal(t, 300, c.Request(false))
}

func TestNATFailureLowersHeartbeat(t *testing.T) {
	c := newController(650)

	outcome, err := c.Failed(Failure{Kind: FailureNAT, Elapsed: 5 * time.Minute, Cause: errIO})
	require.NoError(t, err)
	require.Equal(t, OutcomeLowered, outcome)
	require.Equal(t, 470, c.Heartbeat())
	require.True(t, c.State().Lowered)

	// Once lowered, success no longer raises the heartbeat.
	c.Succeeded(false)
	require.Equal(t, 470, c.Heartbeat())
}

func TestFailureNeverGoesBelowMinimum(t *testing.T) {
	c := newController(350)

	outcome, err := c.Failed(Failure{Kind: FailureAlarm, Elapsed: time.Second})
	require.NoError(t, err)
	require.Equal(t, OutcomeLowered, outcome)
	require.Equal(t, 290, c.Heartbeat())

	outcome, err = c.Failed(Failure{Kind: FailureAlarm, Elapsed: time.Minute})
	require.NoError(t, err)
	require.Equal(t, OutcomeRetry, outcome)
	require.Equal(t, 290, c.Heartbeat())
}

func TestFailureNeverGoesBelowHighWater(t *testing.T) {
	c := newController(300)

	c.Succeeded(false)
	require.Equal(t, 480, c.State().HighWater)

	outcome, err := c.Failed(Failure{Kind: FailureNAT, Elapsed: 8 * time.Minute, Cause: errIO})
	require.NoError(t, err)
	require.Equal(t, OutcomeRetry, outcome)
	require.Equal(t, 480, c.Heartbeat())
}

func TestFastNATFailureIsHardError(t *testing.T) {
	c := newController(600)

	_, err := c.Failed(Failure{Kind: FailureNAT, Elapsed: time.Second, Cause: errIO})
	require.ErrorIs(t, err, ErrHardFailure)
	require.Equal(t, 600, c.Heartbeat())
	require.False(t, c.State().Lowered)
}

func TestOtherFailureIsHardError(t *testing.T) {
	c := newController(600)

	_, err := c.Failed(Failure{Kind: FailureOther, Elapsed: 3 * time.Second, Cause: errIO})
	require.ErrorIs(t, err, ErrHardFailure)
	require.Equal(t, 600, c.Heartbeat())
}

func TestResetAndPeerResetAreRetried(t *testing.T) {
	c := newController(600)

	for _, kind := range []FailureKind{FailureReset, FailurePeerReset} {
		outcome, err := c.Failed(Failure{Kind: kind, Elapsed: time.Millisecond, Cause: errIO})
		require.NoError(t, err)
		require.Equal(t, OutcomeRetry, outcome)
		require.Equal(t, 600, c.Heartbeat())
	}
}

func TestResetHeartbeatsRaisesMinimum(t *testing.T) {
	c := newController(300)

	c.ResetHeartbeats(1200)

	state := c.State()
	require.Equal(t, 1200, state.Heartbeat)
	require.Equal(t, 1200, state.Min)
	require.Equal(t, 1200, state.Max)
	require.Equal(t, 1200, state.Force)
}

func TestResetHeartbeatsLowersMaximum(t *testing.T) {
	c := newController(900)

	_, err := c.Failed(Failure{Kind: FailureNAT, Elapsed: time.Minute})
	require.NoError(t, err)

	c.ResetHeartbeats(200)

	state := c.State()
	require.Equal(t, 200, state.Heartbeat)
	require.Equal(t, 200, state.Min)
	require.Equal(t, 200, state.Max)
	require.False(t, state.Lowered)
}

func TestResetHeartbeatsIsIdempotent(t *testing.T) {
	for _, legal := range []int{60, 300, 480, 1500} {
		once := newController(470)
		once.ResetHeartbeats(legal)

		twice := newController(470)
		twice.ResetHeartbeats(legal)
		twice.ResetHeartbeats(legal)

		require.Equal(t, once.State(), twice.State())
	}
}

func TestBoundsHoldUnderRandomTransitions(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	for run := 0; run < 200; run++ {
		c := newController(470)

		for step := 0; step < 100; step++ {
			before := c.State()

			switch rnd.Intn(5) {
			case 0:
				c.Succeeded(rnd.Intn(2) == 0)

			case 1, 2:
				kind := FailureKind(rnd.Intn(5))
				elapsed := time.Duration(rnd.Intn(600)) * time.Second

				_, _ = c.Failed(Failure{Kind: kind, Elapsed: elapsed, Cause: errIO})

				if after := c.State(); after.Heartbeat < before.Heartbeat {
					require.GreaterOrEqual(t, after.Heartbeat, before.HighWater)
				}

			case 3:
				c.ResetHeartbeats(60 + rnd.Intn(1800))

			case 4:
				c.Request(rnd.Intn(2) == 0)
			}

			state := c.State()
			require.LessOrEqual(t, state.Min, state.Heartbeat)
			require.LessOrEqual(t, state.Heartbeat, state.Max)
		}
	}
}
