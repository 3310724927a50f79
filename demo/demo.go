package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ProtonMail/airsync"
	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/events"
	"github.com/ProtonMail/airsync/limits"
	"github.com/ProtonMail/airsync/reporter"
	"github.com/sirupsen/logrus"
)

func main() {
	if level, err := logrus.ParseLevel(os.Getenv("AIRSYNC_LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	lim := limits.DefaultLimits()

	if path := os.Getenv("AIRSYNC_LIMITS"); path != "" {
		loaded, err := limits.Load(path)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to load limits")
		}

		lim = loaded
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	engine, err := airsync.New(
		airsync.WithDataDir(temp()),
		airsync.WithDevice(connector.NewDummyDevice()),
		airsync.WithLimits(lim),
		airsync.WithReporter(reporter.LogReporter{}),
		airsync.WithVersionInfo(1, 0, 0, "airsync-demo", "Proton AG", "https://proton.me/support"),
	)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create engine")
	}

	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			logrus.WithError(err).Error("Failed to close engine")
		}
	}()

	go func() {
		for event := range engine.AddWatcher(events.SyncFinished{}, events.HeartbeatChanged{}, events.MailboxDemoted{}) {
			logrus.WithField("event", event).Info("Event")
		}
	}()

	accountID, err := engine.AddAccount(ctx, connector.Account{
		User:     "user1@example.com",
		Password: "password1",
		Interval: connector.IntervalPush,
	}, newServer())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to add account")
	}

	for ctx.Err() == nil {
		report, err := engine.RunAccountSession(ctx, accountID)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to run account session")
		}

		logrus.WithField("status", report.Status).Info("Account session finished")
	}
}

// newServer returns a scripted server holding an inbox and a calendar, reporting inbox changes every few seconds.
func newServer() *connector.Dummy {
	server := connector.NewDummy()

	server.SetVersions("12.1", "14.0")

	server.Always(connector.CmdFolderSync, connector.Reply(http.StatusOK, connector.FolderSyncResult{
		Status:  1,
		SyncKey: "1",
		Changes: []connector.FolderChange{
			{Op: connector.FolderAdd, ServerID: "5", Name: "Inbox", Kind: connector.KindInbox},
			{Op: connector.FolderAdd, ServerID: "6", Name: "Calendar", Kind: connector.KindCalendar},
		},
	}))

	var key atomic.Int64

	server.Always(connector.CmdSync, func(ctx context.Context, cmd connector.Command) (*connector.Response, error) {
		return connector.Reply(http.StatusOK, connector.SyncResult{
			Status:  1,
			SyncKey: strconv.FormatInt(key.Add(1), 10),
			Changes: 1,
		})(ctx, cmd)
	})

	server.Always(connector.CmdPing, func(ctx context.Context, cmd connector.Command) (*connector.Response, error) {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)

		case <-time.After(5 * time.Second):
		}

		return connector.Reply(http.StatusOK, connector.PingResult{
			Status:  connector.PingStatusChanges,
			Folders: []string{"5"},
		})(ctx, cmd)
	})

	return server
}

func temp() string {
	temp, err := os.MkdirTemp("", "")
	if err != nil {
		panic(err)
	}

	return temp
}
