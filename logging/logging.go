package logging

import (
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"strconv"
)

// Labels are extra pprof labels attached to an annotated goroutine.
type Labels map[string]any

const (
	AccountIDKey = "accountID"
	MailboxIDKey = "mailboxID"
	CommandKey   = "cmd"
)

// GoAnnotate runs fn on a new goroutine labelled with its caller's location and the given labels.
func GoAnnotate(ctx context.Context, fn func(context.Context), labelMap ...Labels) {
	go pprof.Do(ctx, getLabels(labelMap...), fn)
}

// DoAnnotate runs fn on the current goroutine with the same labels GoAnnotate would use.
func DoAnnotate(ctx context.Context, fn func(context.Context), labelMap ...Labels) {
	pprof.Do(ctx, getLabels(labelMap...), fn)
}

func getLabels(labelMap ...Labels) pprof.LabelSet {
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		panic("failed to get caller's stack frame")
	}

	labels := []string{"fn", runtime.FuncForPC(pc).Name(), "file", file, "line", strconv.Itoa(line)}

	for _, labelMap := range labelMap {
		for key, val := range labelMap {
			labels = append(labels, key, fmt.Sprintf("%v", val))
		}
	}

	return pprof.Labels(labels...)
}
