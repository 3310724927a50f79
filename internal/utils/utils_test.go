package utils

import (
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDeviceID(t *testing.T) {
	id := NewDeviceID()

	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), id)
	require.NotEqual(t, id, NewDeviceID())
}

func TestShortID(t *testing.T) {
	require.Equal(t, "short", ShortID("short"))
	require.Equal(t, "acc-01234567...", ShortID("acc-0123456789"))
}

func TestErrCause(t *testing.T) {
	cause := errors.New("cause")

	require.Equal(t, cause, ErrCause(fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", cause))))
	require.Equal(t, cause, ErrCause(cause))
}
