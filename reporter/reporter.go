package reporter

import (
	"context"

	"github.com/sirupsen/logrus"
)

type Context = map[string]any

// Reporter receives the server behaviours the engine cannot recover from on its own, such as unknown command
// statuses or unparsable responses.
type Reporter interface {
	ReportException(any) error
	ReportMessage(string) error
	ReportMessageWithContext(string, Context) error
	ReportExceptionWithContext(any, Context) error
}

type reporterKey struct{}

// NewContextWithReporter returns a context whose reports go to the given reporter.
func NewContextWithReporter(ctx context.Context, reporter Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, reporter)
}

func fromContext(ctx context.Context) (Reporter, bool) {
	reporter, ok := ctx.Value(reporterKey{}).(Reporter)
	return reporter, ok && reporter != nil
}

// NullReporter drops every report.
type NullReporter struct{}

func (NullReporter) ReportException(any) error { return nil }
func (NullReporter) ReportMessage(string) error { return nil }
func (NullReporter) ReportMessageWithContext(string, Context) error { return nil }
func (NullReporter) ReportExceptionWithContext(any, Context) error { return nil }

// LogReporter writes reports to the log at warning level.
type LogReporter struct {
	Entry *logrus.Entry
}

func (r LogReporter) ReportException(info any) error {
	r.entry().WithField("exception", info).Warn("Reported exception")
	return nil
}

func (r LogReporter) ReportMessage(message string) error {
	r.entry().Warn(message)
	return nil
}

func (r LogReporter) ReportMessageWithContext(message string, context Context) error {
	r.entry().WithFields(logrus.Fields(context)).Warn(message)
	return nil
}

func (r LogReporter) ReportExceptionWithContext(info any, context Context) error {
	r.entry().WithFields(logrus.Fields(context)).WithField("exception", info).Warn("Reported exception")
	return nil
}

func (r LogReporter) entry() *logrus.Entry {
	if r.Entry == nil {
		return logrus.WithField("pkg", "reporter")
	}

	return r.Entry
}
