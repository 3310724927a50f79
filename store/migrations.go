package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

type Migration interface {
	Run(ctx context.Context, tx QueryWrapper) error
}

var migrationList = []Migration{
	&migrationV0{},
	&migrationV1{},
}

// RunMigrations brings the schema up to date. A database without a version table is created from scratch.
func RunMigrations(ctx context.Context, tx QueryWrapper) error {
	dbVersion, err := getDatabaseVersion(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to get db version: %w", err)
	}

	if dbVersion < 0 {
		logrus.Debug("Version table does not exist, running all migrations")
	} else {
		logrus.Debugf("DB Version is %v", dbVersion)
	}

	for i := dbVersion + 1; i < len(migrationList); i++ {
		logrus.Debugf("Running migration for version %v", i)

		if err := migrationList[i].Run(ctx, tx); err != nil {
			return fmt.Errorf("failed to run migration %v: %w", i, err)
		}
	}

	if err := updateDBVersion(ctx, tx, len(migrationList)-1); err != nil {
		return fmt.Errorf("failed to update db version: %w", err)
	}

	logrus.Debug("Migrations completed")

	return nil
}

// getDatabaseVersion returns -1 if the version table does not exist, or the version it contains.
func getDatabaseVersion(ctx context.Context, tx QueryWrapper) (int, error) {
	query := "SELECT `name` FROM sqlite_master WHERE `type` = 'table' AND `name` = ?"

	if _, err := MapQueryRow[string](ctx, tx, query, versionTableName); err != nil {
		if errors.Is(err, ErrNotFound) {
			return -1, nil
		}

		return 0, err
	}

	return MapQueryRow[int](ctx, tx, "SELECT `version` FROM "+versionTableName+" WHERE `id` = 0")
}

func updateDBVersion(ctx context.Context, tx QueryWrapper, version int) error {
	_, err := ExecQuery(ctx, tx, "UPDATE "+versionTableName+" SET `version` = ? WHERE `id` = 0", version)

	return err
}
