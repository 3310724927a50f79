package utils

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// NewDeviceID returns a new random device ID. Servers accept up to 32 alphanumeric characters.
func NewDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRandomAccountID return a new random account ID. For debugging purposes, the ID starts with the 'acc-' prefix.
func NewRandomAccountID() string {
	return "acc-" + uuid.NewString()
}

// NewRandomMailboxID return a new random mailbox ID. For debugging purposes, the ID starts with the 'mbx-' prefix.
func NewRandomMailboxID() string {
	return "mbx-" + uuid.NewString()
}

// NewTraceID returns an ID correlating the log lines of one sync session.
func NewTraceID() string {
	return uuid.NewString()
}

// ShortID return a string containing a short version of the given ID. Use only for debug display.
func ShortID(id string) string {
	const l = 12

	if len(id) < l {
		return id
	}

	return id[0:l] + "..."
}

// ErrCause returns the cause of the error, the inner-most error in the wrapped chain.
func ErrCause(err error) error {
	cause := err

	for errors.Unwrap(cause) != nil {
		cause = errors.Unwrap(cause)
	}

	return cause
}
