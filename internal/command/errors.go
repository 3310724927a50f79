package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

var (
	// ErrWatchdogAbort is the cause of a command cancelled by the watchdog alarm.
	ErrWatchdogAbort = errors.New("command aborted by watchdog")

	// ErrCallerReset is the cause of a ping cancelled so that it can be reissued.
	ErrCallerReset = errors.New("command reset by caller")

	// ErrRedirectExceeded is returned when the server keeps redirecting past the redirect cap.
	ErrRedirectExceeded = errors.New("too many redirects")

	// ErrAuth is returned when the server rejects the account credentials.
	ErrAuth = errors.New("authentication failed")
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindOther is any failure without a recognisable signature.
	KindOther Kind = iota

	// KindNAT is the signature of a connection silently dropped while idle: a timeout or a truncated read.
	KindNAT

	// KindPeerReset is a broken pipe or a connection reset by the peer.
	KindPeerReset

	// KindAborted is a command cancelled by the watchdog or by the caller.
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindNAT:
		return "nat"
	case KindPeerReset:
		return "peer-reset"
	case KindAborted:
		return "aborted"
	default:
		return "other"
	}
}

// TransportError is returned when a command did not produce a response.
type TransportError struct {
	Cmd     string
	Kind    Kind
	Elapsed time.Duration
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v failed after %v (%v): %v", e.Cmd, e.Elapsed.Round(time.Millisecond), e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError returns whether err is a transport failure of the given kinds, or of any kind if none is given.
func IsTransportError(err error, kinds ...Kind) bool {
	var terr *TransportError

	if !errors.As(err, &terr) {
		return false
	}

	if len(kinds) == 0 {
		return true
	}

	for _, kind := range kinds {
		if terr.Kind == kind {
			return true
		}
	}

	return false
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrWatchdogAbort), errors.Is(err, ErrCallerReset):
		return KindAborted

	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return KindPeerReset

	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return KindNAT
	}

	var netErr net.Error

	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNAT
	}

	return KindOther
}
