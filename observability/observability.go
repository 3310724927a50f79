package observability

import (
	"context"
	"sync/atomic"
)

// Sender forwards metrics to the embedding application's telemetry.
type Sender interface {
	AddMetrics(metrics ...map[string]interface{})
	AddDistinctMetrics(errType interface{}, metrics ...map[string]interface{})
}

// The distinct error types the sender deduplicates metrics by, one per kind of failure.
var protocolErrorType, syncErrorType, otherErrorType atomic.Int64

// SetupMetricTypes assigns the distinct error types the sender deduplicates metrics by.
func SetupMetricTypes(protocolError, syncError, otherError int) {
	protocolErrorType.Store(int64(protocolError))
	syncErrorType.Store(int64(syncError))
	otherErrorType.Store(int64(otherError))
}

type senderKey struct{}

// NewContextWithObservabilitySender returns a context whose metrics go to the given sender.
func NewContextWithObservabilitySender(ctx context.Context, sender Sender) context.Context {
	return context.WithValue(ctx, senderKey{}, sender)
}

// AddProtocolMetric records a failure caused by an unexpected server answer.
func AddProtocolMetric(ctx context.Context, metric ...map[string]interface{}) {
	addDistinct(ctx, &protocolErrorType, metric...)
}

// AddSyncMetric records a failure of the local side of a sync.
func AddSyncMetric(ctx context.Context, metric ...map[string]interface{}) {
	addDistinct(ctx, &syncErrorType, metric...)
}

func AddOtherMetric(ctx context.Context, metric ...map[string]interface{}) {
	addDistinct(ctx, &otherErrorType, metric...)
}

func addDistinct(ctx context.Context, errType *atomic.Int64, metric ...map[string]interface{}) {
	if sender, ok := ctx.Value(senderKey{}).(Sender); ok && sender != nil {
		sender.AddDistinctMetrics(int(errType.Load()), metric...)
	}
}
