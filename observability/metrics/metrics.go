package metrics

import "time"

const schemaName = "airsync_errors_total"
const schemaVersion = 1

func generateFailureMetric(errorType string, labels ...string) map[string]interface{} {
	metricLabels := map[string]string{
		"errorType": errorType,
	}

	for i := 0; i+1 < len(labels); i += 2 {
		metricLabels[labels[i]] = labels[i+1]
	}

	return map[string]interface{}{
		"Name":      schemaName,
		"Version":   schemaVersion,
		"Timestamp": time.Now().Unix(),
		"Data": map[string]interface{}{
			"Value":  1,
			"Labels": metricLabels,
		},
	}
}

func GenerateUnexpectedStatusMetric(cmd string) map[string]interface{} {
	return generateFailureMetric("unexpectedStatus", "cmd", cmd)
}

func GenerateProvisioningFailedMetric() map[string]interface{} {
	return generateFailureMetric("provisioningFailed")
}

func GenerateRemoteWipeMetric() map[string]interface{} {
	return generateFailureMetric("remoteWipe")
}

func GenerateFailedToCommitSyncMetric() map[string]interface{} {
	return generateFailureMetric("failedCommitSync")
}

func GenerateSyncLoopCeilingMetric() map[string]interface{} {
	return generateFailureMetric("syncLoopCeiling")
}

func GenerateMailboxDemotedMetric() map[string]interface{} {
	return generateFailureMetric("mailboxDemoted")
}

func GenerateWatchdogEscalationMetric() map[string]interface{} {
	return generateFailureMetric("watchdogEscalation")
}
