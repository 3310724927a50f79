package airsync

import (
	"context"
	"io"
	"time"

	"github.com/ProtonMail/airsync/async"
	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/events"
	"github.com/ProtonMail/airsync/internal/account"
	"github.com/ProtonMail/airsync/internal/watchdog"
	"github.com/ProtonMail/airsync/limits"
	"github.com/ProtonMail/airsync/observability"
	"github.com/ProtonMail/airsync/profiling"
	"github.com/ProtonMail/airsync/reporter"
	"github.com/ProtonMail/airsync/store"
	"github.com/ProtonMail/airsync/version"
	"github.com/ProtonMail/airsync/watcher"
	"golang.org/x/sync/singleflight"
)

const defaultWatchdogPeriod = time.Second

type engineBuilder struct {
	store               connector.Store
	dataDir             string
	device              connector.Device
	limits              limits.Sync
	watchdogPeriod      time.Duration
	versionInfo         version.Info
	cmdExecProfBuilder  profiling.CmdProfilerBuilder
	reporter            reporter.Reporter
	observabilitySender observability.Sender
	panicHandler        async.PanicHandler
}

func newBuilder() *engineBuilder {
	return &engineBuilder{
		limits:             limits.DefaultLimits(),
		watchdogPeriod:     defaultWatchdogPeriod,
		cmdExecProfBuilder: &profiling.NullCmdExecProfilerBuilder{},
		reporter:           reporter.NullReporter{},
		panicHandler:       async.NoopPanicHandler{},
	}
}

func (builder *engineBuilder) build(ctx context.Context) (*Engine, error) {
	if builder.device == nil {
		return nil, ErrNoDevice
	}

	if err := builder.limits.Validate(); err != nil {
		return nil, err
	}

	var closer io.Closer

	if builder.store == nil {
		var (
			db  *store.SQLite
			err error
		)

		if builder.dataDir != "" {
			db, err = store.Open(ctx, builder.dataDir, "airsync")
		} else {
			db, err = store.OpenInMemory(ctx)
		}

		if err != nil {
			return nil, err
		}

		builder.store, closer = db, db
	}

	engine := &Engine{
		store:               builder.store,
		storeCloser:         closer,
		device:              builder.device,
		limits:              builder.limits,
		accountCfg:          account.DefaultConfig(builder.limits),
		watchdog:            watchdog.New(builder.watchdogPeriod, nil),
		group:               new(singleflight.Group),
		accounts:            make(map[string]*accountState),
		versionInfo:         builder.versionInfo,
		cmdExecProfBuilder:  builder.cmdExecProfBuilder,
		reporter:            builder.reporter,
		observabilitySender: builder.observabilitySender,
		panicHandler:        builder.panicHandler,
	}

	engine.wg.PanicHandler = builder.panicHandler
	engine.watchers = make(map[*watcher.Watcher[events.Event]]struct{})

	return engine, nil
}
