package airsync

import (
	"time"

	"github.com/ProtonMail/airsync/async"
	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/limits"
	"github.com/ProtonMail/airsync/observability"
	"github.com/ProtonMail/airsync/profiling"
	"github.com/ProtonMail/airsync/reporter"
	"github.com/ProtonMail/airsync/version"
)

// Option represents a type that can be used to configure the engine.
type Option interface {
	config(*engineBuilder)
}

// WithStore instructs the engine to persist state in the given store instead of its own SQLite database.
func WithStore(store connector.Store) Option {
	return &withStore{store: store}
}

type withStore struct {
	store connector.Store
}

func (opt withStore) config(builder *engineBuilder) {
	builder.store = opt.store
}

// WithDataDir instructs the engine to keep its SQLite database in the given directory.
// Without it, and without WithStore, state is kept in memory.
func WithDataDir(dir string) Option {
	return &withDataDir{dir: dir}
}

type withDataDir struct {
	dir string
}

func (opt withDataDir) config(builder *engineBuilder) {
	builder.dataDir = opt.dir
}

// WithDevice sets the device the engine enforces security policies on. It is required.
func WithDevice(device connector.Device) Option {
	return &withDevice{device: device}
}

type withDevice struct {
	device connector.Device
}

func (opt withDevice) config(builder *engineBuilder) {
	builder.device = opt.device
}

// WithLimits overrides the default sync limits.
func WithLimits(lim limits.Sync) Option {
	return &withLimits{limits: lim}
}

type withLimits struct {
	limits limits.Sync
}

func (opt withLimits) config(builder *engineBuilder) {
	builder.limits = opt.limits
}

// WithWatchdogPeriod sets how often in-flight commands are checked for expiry.
func WithWatchdogPeriod(period time.Duration) Option {
	return &withWatchdogPeriod{period: period}
}

type withWatchdogPeriod struct {
	period time.Duration
}

func (opt withWatchdogPeriod) config(builder *engineBuilder) {
	builder.watchdogPeriod = opt.period
}

type withVersionInfo struct {
	versionInfo version.Info
}

func (vi *withVersionInfo) config(builder *engineBuilder) {
	builder.versionInfo = vi.versionInfo
}

func WithVersionInfo(vmajor, vminor, vpatch int, name, vendor, supportURL string) Option {
	return &withVersionInfo{
		versionInfo: version.Info{
			Name: name,
			Version: version.Version{
				Major: vmajor,
				Minor: vminor,
				Patch: vpatch,
			},
			Vendor:     vendor,
			SupportURL: supportURL,
		},
	}
}

// WithCmdProfiler allows a command profiler to be attached to every session.
func WithCmdProfiler(builder profiling.CmdProfilerBuilder) Option {
	return &withCmdProfilerBuilder{builder: builder}
}

type withCmdProfilerBuilder struct {
	builder profiling.CmdProfilerBuilder
}

func (opt withCmdProfilerBuilder) config(builder *engineBuilder) {
	builder.cmdExecProfBuilder = opt.builder
}

// WithReporter instructs the engine to report unexpected server behaviour to the given reporter.
func WithReporter(reporter reporter.Reporter) Option {
	return &withReporter{reporter: reporter}
}

type withReporter struct {
	reporter reporter.Reporter
}

func (opt withReporter) config(builder *engineBuilder) {
	builder.reporter = opt.reporter
}

// WithObservabilitySender instructs the engine to send failure metrics to the given sender.
func WithObservabilitySender(sender observability.Sender, protocolErrorType, syncErrorType, otherErrorType int) Option {
	return &withObservabilitySender{
		sender:            sender,
		protocolErrorType: protocolErrorType,
		syncErrorType:     syncErrorType,
		otherErrorType:    otherErrorType,
	}
}

type withObservabilitySender struct {
	sender                                            observability.Sender
	protocolErrorType, syncErrorType, otherErrorType int
}

func (opt withObservabilitySender) config(builder *engineBuilder) {
	builder.observabilitySender = opt.sender

	observability.SetupMetricTypes(opt.protocolErrorType, opt.syncErrorType, opt.otherErrorType)
}

// WithPanicHandler sets the handler of panics raised by background sessions.
func WithPanicHandler(handler async.PanicHandler) Option {
	return &withPanicHandler{handler: handler}
}

type withPanicHandler struct {
	handler async.PanicHandler
}

func (opt withPanicHandler) config(builder *engineBuilder) {
	builder.panicHandler = opt.handler
}
