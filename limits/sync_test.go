package limits

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultLimits_Valid(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())
}

func TestParse_KeepsDefaults(t *testing.T) {
	lim, err := Parse([]byte(`
max_looping: 50
heartbeat:
  min: 300
  start: 500
  max: 1000
  force: 120
  increment: 60
`))
	require.NoError(t, err)

	require.Equal(t, 50, lim.MaxLooping)
	require.Equal(t, Heartbeat{Min: 300, Start: 500, Max: 1000, Force: 120, Increment: 60}, lim.Heartbeat)
	require.Equal(t, DefaultLimits().PingFailureThreshold, lim.PingFailureThreshold)
	require.Equal(t, DefaultLimits().CommandTimeoutDuration(), lim.CommandTimeoutDuration())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`max_looping: 0`))
	require.ErrorIs(t, err, ErrInvalidLimit)

	_, err = Parse([]byte(`ping_deadline_buffer: -1`))
	require.ErrorIs(t, err, ErrInvalidLimit)

	_, err = Parse([]byte(`
heartbeat:
  min: 600
  start: 470
  max: 500
  force: 110
  increment: 180
`))
	require.ErrorIs(t, err, ErrInvalidHeartbeat)

	_, err = Parse([]byte(`max_looping: [`))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")

	require.NoError(t, os.WriteFile(path, []byte("account_sleep: 30\n"), 0o600))

	lim, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, lim.AccountSleepDuration())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
