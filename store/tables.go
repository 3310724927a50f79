package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

const versionTableName = "airsync_version"

type Table interface {
	Name() string
	Create(ctx context.Context, tx QueryWrapper) error
}

func execQueries(ctx context.Context, tx QueryWrapper, queries []string) error {
	for _, q := range queries {
		if _, err := ExecQuery(ctx, tx, q); err != nil {
			return err
		}
	}

	return nil
}

// createMissingTables creates the tables that do not exist yet.
func createMissingTables(ctx context.Context, tx QueryWrapper, tables ...Table) error {
	names := xslices.Map(tables, func(t Table) any {
		return t.Name()
	})

	query := fmt.Sprintf("SELECT `name` FROM sqlite_master WHERE `type` = 'table' AND `name` IN (%v)",
		strings.TrimSuffix(strings.Repeat("?,", len(names)), ","))

	existing, err := MapQueryRowsFn(ctx, tx, query, func(scanner RowScanner) (string, error) {
		var name string

		err := scanner.Scan(&name)

		return name, err
	}, names...)
	if err != nil {
		return err
	}

	for _, table := range tables {
		if slices.Contains(existing, table.Name()) {
			continue
		}

		logrus.Debugf("Table '%v' does not exist, creating", table.Name())

		if err := table.Create(ctx, tx); err != nil {
			return fmt.Errorf("failed to create table %v: %w", table.Name(), err)
		}
	}

	return nil
}

type versionTable struct{}

func (versionTable) Name() string {
	return versionTableName
}

func (versionTable) Create(ctx context.Context, tx QueryWrapper) error {
	return execQueries(ctx, tx, []string{
		"CREATE TABLE `airsync_version` (`id` integer NOT NULL PRIMARY KEY CHECK(`id` = 0), `version` integer NOT NULL)",
		"INSERT INTO airsync_version (`id`, `version`) VALUES (0, 0)",
	})
}

type accountsTable struct{}

func (accountsTable) Name() string {
	return "accounts"
}

func (accountsTable) Create(ctx context.Context, tx QueryWrapper) error {
	return execQueries(ctx, tx, []string{
		"CREATE TABLE `accounts` (" +
			"`id` text NOT NULL PRIMARY KEY, " +
			"`host` text NOT NULL, " +
			"`user` text NOT NULL, " +
			"`password` text NOT NULL, " +
			"`device_id` text NOT NULL, " +
			"`interval` integer NOT NULL DEFAULT 0, " +
			"`protocol_version` text NOT NULL DEFAULT '', " +
			"`version_checked_at` integer NOT NULL DEFAULT 0, " +
			"`policy_key` text NOT NULL DEFAULT '', " +
			"`security_hold` bool NOT NULL DEFAULT false)",
	})
}

type mailboxesTable struct{}

func (mailboxesTable) Name() string {
	return "mailboxes"
}

func (mailboxesTable) Create(ctx context.Context, tx QueryWrapper) error {
	return execQueries(ctx, tx, []string{
		"CREATE TABLE `mailboxes` (" +
			"`id` text NOT NULL PRIMARY KEY, " +
			"`account_id` text NOT NULL REFERENCES `accounts` (`id`) ON DELETE CASCADE, " +
			"`server_id` text NOT NULL, " +
			"`parent_id` text NOT NULL DEFAULT '', " +
			"`name` text NOT NULL, " +
			"`kind` integer NOT NULL, " +
			"`sync_key` text NOT NULL DEFAULT '0', " +
			"`interval` integer NOT NULL DEFAULT 0, " +
			"`last_trigger` integer NOT NULL DEFAULT 0, " +
			"`last_changes` integer NOT NULL DEFAULT 0, " +
			"`last_sync_at` integer NOT NULL DEFAULT 0)",
		"CREATE UNIQUE INDEX `mailboxes_account_server_key` ON `mailboxes` (`account_id`, `server_id`)",
		"CREATE INDEX `mailbox_account_id` ON `mailboxes` (`account_id`)",
	})
}

type policiesTable struct{}

func (policiesTable) Name() string {
	return "policies"
}

func (policiesTable) Create(ctx context.Context, tx QueryWrapper) error {
	return execQueries(ctx, tx, []string{
		"CREATE TABLE `policies` (" +
			"`account_id` text NOT NULL PRIMARY KEY REFERENCES `accounts` (`id`) ON DELETE CASCADE, " +
			"`max_attachment_size` integer NOT NULL DEFAULT 0, " +
			"`dont_allow_attachments` bool NOT NULL DEFAULT false)",
	})
}

type policyRequirementsTable struct{}

func (policyRequirementsTable) Name() string {
	return "policy_requirements"
}

func (policyRequirementsTable) Create(ctx context.Context, tx QueryWrapper) error {
	return execQueries(ctx, tx, []string{
		"CREATE TABLE `policy_requirements` (" +
			"`account_id` text NOT NULL REFERENCES `policies` (`account_id`) ON DELETE CASCADE, " +
			"`position` integer NOT NULL, " +
			"`name` text NOT NULL, " +
			"`value` text NOT NULL, " +
			"PRIMARY KEY (`account_id`, `position`))",
	})
}

type migrationV0 struct{}

func (migrationV0) Run(ctx context.Context, tx QueryWrapper) error {
	return createMissingTables(ctx, tx, versionTable{}, accountsTable{}, mailboxesTable{})
}

// migrationV1 adds policy storage and the folder hierarchy sync key.
type migrationV1 struct{}

func (migrationV1) Run(ctx context.Context, tx QueryWrapper) error {
	if err := createMissingTables(ctx, tx, policiesTable{}, policyRequirementsTable{}); err != nil {
		return err
	}

	return execQueries(ctx, tx, []string{
		"ALTER TABLE `accounts` ADD COLUMN `folder_sync_key` text NOT NULL DEFAULT '0'",
	})
}
