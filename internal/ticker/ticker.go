package ticker

import (
	"sync"
	"time"
)

type Ticker struct {
	ticker *time.Ticker
	now    func() time.Time

	pollCh   chan chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New returns a ticker with the given period. Ticks triggered by Poll are stamped with now;
// a nil now means time.Now.
func New(period time.Duration, now func() time.Time) *Ticker {
	if now == nil {
		now = time.Now
	}

	return &Ticker{
		ticker: time.NewTicker(period),
		now:    now,
		pollCh: make(chan chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// Poll polls the ticker. It blocks until the tick has been executed, or returns immediately if the ticker is stopped.
func (ticker *Ticker) Poll() {
	doneCh := make(chan struct{})

	select {
	case ticker.pollCh <- doneCh:
		<-doneCh

	case <-ticker.stopCh:
	}
}

// Stop stops the ticker. It may be called more than once.
func (ticker *Ticker) Stop() {
	ticker.stopOnce.Do(func() {
		ticker.ticker.Stop()
		close(ticker.stopCh)
	})
}

// Tick calls the given callback at regular intervals or when the ticker is polled, until the ticker is stopped.
func (ticker *Ticker) Tick(fn func(time.Time)) {
	for {
		select {
		case <-ticker.ticker.C:
			fn(ticker.now())

		case doneCh := <-ticker.pollCh:
			fn(ticker.now())
			close(doneCh)

		case <-ticker.stopCh:
			return
		}
	}
}
