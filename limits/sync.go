// Package limits holds the tunable bounds and thresholds used by the sync engine.
// The values are empirically chosen policy, not protocol requirements.
package limits

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Heartbeat holds the long-poll heartbeat bounds, in seconds.
type Heartbeat struct {
	Min       int `yaml:"min"`
	Start     int `yaml:"start"`
	Max       int `yaml:"max"`
	Force     int `yaml:"force"`
	Increment int `yaml:"increment"`
}

// Sync contains the configurable thresholds of the sync engine.
// Durations are expressed in seconds so they can be written naturally in YAML.
type Sync struct {
	Heartbeat Heartbeat `yaml:"heartbeat"`

	// MaxLooping is the number of consecutive "more available" exchanges after which a mailbox sync stops.
	MaxLooping int `yaml:"max_looping"`

	// PingFailureThreshold is the number of consecutive spurious change reports after which a
	// mailbox is removed from the long poll.
	PingFailureThreshold int `yaml:"ping_failure_threshold"`

	// PingForceWaitCount is the number of short waits for busy mailboxes before a partial ping is forced.
	PingForceWaitCount int `yaml:"ping_force_wait_count"`

	// RedirectCap is the maximum number of 451 redirects followed for one command.
	RedirectCap int `yaml:"redirect_cap"`

	// PingDeadlineBuffer is added to the heartbeat to get the client deadline of a ping, so that the
	// server's own expiry answer arrives before the client gives up.
	PingDeadlineBuffer int `yaml:"ping_deadline_buffer"`

	CommandTimeout       int `yaml:"command_timeout"`
	InitialSyncTimeout   int `yaml:"initial_sync_timeout"`
	WatchdogAllowance    int `yaml:"watchdog_allowance"`
	PingAllowance        int `yaml:"ping_allowance"`
	AlarmGrace           int `yaml:"alarm_grace"`
	HardFailureWindow    int `yaml:"hard_failure_window"`
	AccountSessionLength int `yaml:"account_session_length"`
	AccountSleep         int `yaml:"account_sleep"`
	VersionRecheck       int `yaml:"version_recheck"`
}

const minute = 60

// DefaultLimits returns the default tuning used by the engine.
func DefaultLimits() Sync {
	return Sync{
		Heartbeat: Heartbeat{
			Min:       5*minute - 10,
			Start:     8*minute - 10,
			Max:       17*minute - 10,
			Force:     2*minute - 10,
			Increment: 3 * minute,
		},
		MaxLooping:           100,
		PingFailureThreshold: 2,
		PingForceWaitCount:   5,
		RedirectCap:          3,
		PingDeadlineBuffer:   5,
		CommandTimeout:       30,
		InitialSyncTimeout:   120,
		WatchdogAllowance:    30,
		PingAllowance:        30,
		AlarmGrace:           10,
		HardFailureWindow:    2,
		AccountSessionLength: 30 * minute,
		AccountSleep:         20 * minute,
		VersionRecheck:       24 * 60 * minute,
	}
}

var (
	ErrInvalidHeartbeat = errors.New("invalid heartbeat bounds")
	ErrInvalidLimit     = errors.New("invalid limit")
)

// Validate checks that the limits are usable.
func (s Sync) Validate() error {
	hb := s.Heartbeat

	if hb.Min <= 0 || hb.Increment <= 0 || hb.Force <= 0 {
		return fmt.Errorf("%w: min, force and increment must be positive", ErrInvalidHeartbeat)
	}

	if hb.Min > hb.Max {
		return fmt.Errorf("%w: min %v is above max %v", ErrInvalidHeartbeat, hb.Min, hb.Max)
	}

	if hb.Start < hb.Min || hb.Start > hb.Max {
		return fmt.Errorf("%w: start %v is outside [%v, %v]", ErrInvalidHeartbeat, hb.Start, hb.Min, hb.Max)
	}

	for name, v := range map[string]int{
		"max_looping":            s.MaxLooping,
		"ping_failure_threshold": s.PingFailureThreshold,
		"command_timeout":        s.CommandTimeout,
		"initial_sync_timeout":   s.InitialSyncTimeout,
		"account_session_length": s.AccountSessionLength,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %v must be positive", ErrInvalidLimit, name)
		}
	}

	if s.RedirectCap < 0 || s.PingForceWaitCount < 0 || s.PingDeadlineBuffer < 0 {
		return fmt.Errorf("%w: redirect_cap, ping_force_wait_count and ping_deadline_buffer must not be negative", ErrInvalidLimit)
	}

	return nil
}

// Load reads limits from a YAML file. Fields missing from the file keep their default value.
func Load(path string) (Sync, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Sync{}, fmt.Errorf("failed to read limits file: %w", err)
	}

	return Parse(b)
}

// Parse decodes limits from YAML on top of the defaults.
func Parse(b []byte) (Sync, error) {
	s := DefaultLimits()

	if err := yaml.Unmarshal(b, &s); err != nil {
		return Sync{}, fmt.Errorf("failed to parse limits: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Sync{}, err
	}

	return s, nil
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func (s Sync) PingDeadlineBufferDuration() time.Duration { return seconds(s.PingDeadlineBuffer) }

func (s Sync) CommandTimeoutDuration() time.Duration { return seconds(s.CommandTimeout) }

func (s Sync) InitialSyncTimeoutDuration() time.Duration { return seconds(s.InitialSyncTimeout) }

func (s Sync) WatchdogAllowanceDuration() time.Duration { return seconds(s.WatchdogAllowance) }

func (s Sync) PingAllowanceDuration() time.Duration { return seconds(s.PingAllowance) }

func (s Sync) AlarmGraceDuration() time.Duration { return seconds(s.AlarmGrace) }

func (s Sync) HardFailureWindowDuration() time.Duration { return seconds(s.HardFailureWindow) }

func (s Sync) AccountSessionLengthDuration() time.Duration { return seconds(s.AccountSessionLength) }

func (s Sync) AccountSleepDuration() time.Duration { return seconds(s.AccountSleep) }

func (s Sync) VersionRecheckDuration() time.Duration { return seconds(s.VersionRecheck) }
