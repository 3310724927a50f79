package ticker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestTicker_Poll(t *testing.T) {
	defer goleak.VerifyNone(t)

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	ticker := New(time.Hour, func() time.Time { return at })

	ticks := make(chan time.Time, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker.Tick(func(tick time.Time) { ticks <- tick })
	}()

	ticker.Poll()
	require.Equal(t, at, <-ticks)

	ticker.Stop()
	ticker.Stop()
	<-done

	// Polling a stopped ticker does not block.
	ticker.Poll()
}
