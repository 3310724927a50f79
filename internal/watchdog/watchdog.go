// Package watchdog fires alarms for commands suspected of hanging on a silently dropped connection.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/ProtonMail/airsync/internal/ticker"
	"github.com/ProtonMail/airsync/logging"
	"github.com/ProtonMail/airsync/wait"
	"github.com/sirupsen/logrus"
)

type alarm struct {
	deadline time.Time
	ping     bool
	fire     func()
}

// Manager holds at most one alarm per mailbox and fires the expired ones on every tick.
type Manager struct {
	alarms     map[string]alarm
	alarmsLock sync.Mutex

	now    func() time.Time
	ticker *ticker.Ticker
	doneCh chan struct{}

	// fires runs the expired callbacks; an abort can take a whole grace period.
	fires wait.Group
}

// New starts a manager scanning for expired alarms every period. A nil now means time.Now.
func New(period time.Duration, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		alarms: make(map[string]alarm),
		now:    now,
		ticker: ticker.New(period, now),
		doneCh: make(chan struct{}),
	}

	logging.GoAnnotate(context.Background(), func(context.Context) {
		defer close(m.doneCh)

		m.ticker.Tick(m.scan)
	}, logging.Labels{"service": "watchdog"})

	return m
}

// Set registers the alarm of the mailbox, replacing any previous one. fire is called once the alarm expires.
func (m *Manager) Set(mailboxID string, after time.Duration, ping bool, fire func()) {
	m.alarmsLock.Lock()
	defer m.alarmsLock.Unlock()

	m.alarms[mailboxID] = alarm{
		deadline: m.now().Add(after),
		ping:     ping,
		fire:     fire,
	}
}

// Clear removes the alarm of the mailbox, if any.
func (m *Manager) Clear(mailboxID string) {
	m.alarmsLock.Lock()
	defer m.alarmsLock.Unlock()

	delete(m.alarms, mailboxID)
}

// NextPingExpiry returns the earliest deadline among ping alarms.
func (m *Manager) NextPingExpiry() (time.Time, bool) {
	m.alarmsLock.Lock()
	defer m.alarmsLock.Unlock()

	var (
		next  time.Time
		found bool
	)

	for _, alarm := range m.alarms {
		if !alarm.ping {
			continue
		}

		if !found || alarm.deadline.Before(next) {
			next, found = alarm.deadline, true
		}
	}

	return next, found
}

// Poll runs one scan synchronously.
func (m *Manager) Poll() {
	m.ticker.Poll()
}

// Close stops the manager and waits for the callbacks already fired. Pending alarms never fire.
func (m *Manager) Close() {
	m.ticker.Stop()
	<-m.doneCh

	m.fires.Wait()
}

func (m *Manager) scan(now time.Time) {
	var expired []func()

	m.alarmsLock.Lock()

	for mailboxID, alarm := range m.alarms {
		if now.Before(alarm.deadline) {
			continue
		}

		logrus.WithField("pkg", "watchdog").WithField("mailboxID", mailboxID).WithField("ping", alarm.ping).Warn("Alarm expired")

		expired = append(expired, alarm.fire)

		delete(m.alarms, mailboxID)
	}

	m.alarmsLock.Unlock()

	// Fired outside the lock: the callbacks usually clear alarms themselves.
	for _, fire := range expired {
		m.fires.Go(fire)
	}
}
