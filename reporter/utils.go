package reporter

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

func MessageWithContext(ctx context.Context, message string, context Context) {
	report(ctx, func(reporter Reporter) error {
		return reporter.ReportMessageWithContext(message, context)
	})
}

func ExceptionWithContext(ctx context.Context, message string, context Context) {
	report(ctx, func(reporter Reporter) error {
		return reporter.ReportExceptionWithContext(message, context)
	})
}

func Exception(ctx context.Context, info any) {
	report(ctx, func(reporter Reporter) error {
		return reporter.ReportException(info)
	})
}

func Message(ctx context.Context, message string) {
	report(ctx, func(reporter Reporter) error {
		return reporter.ReportMessage(message)
	})
}

// UnexpectedStatus reports a command status the engine has no recovery for.
func UnexpectedStatus(ctx context.Context, cmd string, status int, description string, context Context) {
	if context == nil {
		context = make(Context)
	}

	context["cmd"] = cmd
	context["status"] = status

	MessageWithContext(ctx, fmt.Sprintf("Unexpected %v status: %v", cmd, description), context)
}

func report(ctx context.Context, fn func(Reporter) error) {
	reporter, ok := fromContext(ctx)
	if !ok {
		return
	}

	if err := fn(reporter); err != nil {
		logrus.WithError(err).Error("Failed to report message")
	}
}
