package logging

import (
	"context"
	"runtime/pprof"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoAnnotate(t *testing.T) {
	labelsCh := make(chan map[string]string, 1)

	GoAnnotate(context.Background(), func(ctx context.Context) {
		labels := make(map[string]string)

		pprof.ForLabels(ctx, func(key, value string) bool {
			labels[key] = value
			return true
		})

		labelsCh <- labels
	}, Labels{AccountIDKey: "acc", MailboxIDKey: 7})

	labels := <-labelsCh

	require.Equal(t, "acc", labels[AccountIDKey])
	require.Equal(t, "7", labels[MailboxIDKey])
	require.Contains(t, labels["fn"], "TestGoAnnotate")
}
