package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ProtonMail/airsync/connector"
)

const mailboxColumns = "`id`, `account_id`, `server_id`, `parent_id`, `name`, `kind`, `sync_key`, `interval`, " +
	"`last_trigger`, `last_changes`, `last_sync_at`"

func scanMailbox(scanner RowScanner) (connector.Mailbox, error) {
	var (
		mbox   connector.Mailbox
		syncAt int64
	)

	if err := scanner.Scan(
		&mbox.ID,
		&mbox.AccountID,
		&mbox.ServerID,
		&mbox.ParentID,
		&mbox.Name,
		&mbox.Kind,
		&mbox.SyncKey,
		&mbox.Interval,
		&mbox.LastSync.Trigger,
		&mbox.LastSync.Changes,
		&syncAt,
	); err != nil {
		return connector.Mailbox{}, err
	}

	mbox.LastSync.At = fromUnixNano(syncAt)

	return mbox, nil
}

func (s *SQLite) GetMailbox(ctx context.Context, mailboxID string) (connector.Mailbox, error) {
	var mbox connector.Mailbox

	err := s.read(ctx, func(ctx context.Context, qw QueryWrapper) error {
		var err error

		mbox, err = getMailbox(ctx, qw, mailboxID)

		return err
	})

	return mbox, err
}

func getMailbox(ctx context.Context, qw QueryWrapper, mailboxID string) (connector.Mailbox, error) {
	mbox, err := MapQueryRowFn(ctx, qw, "SELECT "+mailboxColumns+" FROM `mailboxes` WHERE `id` = ?", scanMailbox, mailboxID)
	if errors.Is(err, ErrNotFound) {
		return connector.Mailbox{}, fmt.Errorf("%w: %v", connector.ErrNoSuchMailbox, mailboxID)
	}

	return mbox, err
}

// GetMailboxes returns the mailboxes of the account ordered by ID.
func (s *SQLite) GetMailboxes(ctx context.Context, accountID string) ([]connector.Mailbox, error) {
	var mboxes []connector.Mailbox

	err := s.read(ctx, func(ctx context.Context, qw QueryWrapper) error {
		var err error

		mboxes, err = MapQueryRowsFn(ctx, qw, "SELECT "+mailboxColumns+" FROM `mailboxes` WHERE `account_id` = ? ORDER BY `id`", scanMailbox, accountID)

		return err
	})

	return mboxes, err
}

func (s *SQLite) SetInterval(ctx context.Context, mailboxID string, interval connector.Interval) error {
	return s.updateMailbox(ctx, mailboxID, "`interval` = ?", interval)
}

func (s *SQLite) SetSyncKey(ctx context.Context, mailboxID, key string) error {
	return s.updateMailbox(ctx, mailboxID, "`sync_key` = ?", key)
}

func (s *SQLite) SetSyncStatus(ctx context.Context, mailboxID string, status connector.SyncStatus) error {
	return s.updateMailbox(ctx, mailboxID, "`last_trigger` = ?, `last_changes` = ?, `last_sync_at` = ?",
		status.Trigger, status.Changes, toUnixNano(status.At),
	)
}

// CommitSync runs apply and stores the key in one transaction. apply must not call back into the store.
func (s *SQLite) CommitSync(ctx context.Context, mailboxID, key string, apply func(context.Context) error) error {
	return s.write(ctx, func(ctx context.Context, qw QueryWrapper) error {
		if _, err := getMailbox(ctx, qw, mailboxID); err != nil {
			return err
		}

		if apply != nil {
			if err := apply(ctx); err != nil {
				return err
			}
		}

		return updateMailbox(ctx, qw, mailboxID, "`sync_key` = ?", key)
	})
}

// ApplyFolderSync applies the folder hierarchy changes. New inboxes follow the account interval,
// other new mailboxes are not synced until configured.
func (s *SQLite) ApplyFolderSync(ctx context.Context, accountID string, result connector.FolderSyncResult) error {
	return s.write(ctx, func(ctx context.Context, qw QueryWrapper) error {
		account, err := getAccount(ctx, qw, accountID)
		if err != nil {
			return err
		}

		for _, change := range result.Changes {
			if err := applyFolderChange(ctx, qw, account, change); err != nil {
				return fmt.Errorf("failed to apply folder change %v: %w", change.ServerID, err)
			}
		}

		return updateAccount(ctx, qw, accountID, "`folder_sync_key` = ?", result.SyncKey)
	})
}

func applyFolderChange(ctx context.Context, qw QueryWrapper, account connector.Account, change connector.FolderChange) error {
	id, err := MapQueryRow[string](ctx, qw, "SELECT `id` FROM `mailboxes` WHERE `account_id` = ? AND `server_id` = ?", account.ID, change.ServerID)
	exists := err == nil

	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	switch change.Op {
	case connector.FolderAdd, connector.FolderUpdate:
		if exists {
			_, err := ExecQuery(ctx, qw, "UPDATE `mailboxes` SET `parent_id` = ?, `name` = ?, `kind` = ? WHERE `id` = ?",
				change.ParentID, change.Name, change.Kind, id,
			)

			return err
		}

		interval := connector.IntervalNever
		if change.Kind == connector.KindInbox {
			interval = account.Interval
		}

		_, err := ExecQuery(ctx, qw, "INSERT INTO `mailboxes` (`id`, `account_id`, `server_id`, `parent_id`, `name`, `kind`, `sync_key`, `interval`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			account.ID+"/"+change.ServerID, account.ID, change.ServerID, change.ParentID, change.Name, change.Kind, connector.InitialSyncKey, interval,
		)

		return err

	case connector.FolderDelete:
		if !exists {
			return nil
		}

		_, err := ExecQuery(ctx, qw, "DELETE FROM `mailboxes` WHERE `id` = ?", id)

		return err

	default:
		return fmt.Errorf("unknown folder operation %v", change.Op)
	}
}

func (s *SQLite) updateMailbox(ctx context.Context, mailboxID, set string, args ...any) error {
	return s.write(ctx, func(ctx context.Context, qw QueryWrapper) error {
		return updateMailbox(ctx, qw, mailboxID, set, args...)
	})
}

func updateMailbox(ctx context.Context, qw QueryWrapper, mailboxID, set string, args ...any) error {
	err := ExecQueryAndCheckUpdatedNotZero(ctx, qw, "UPDATE `mailboxes` SET "+set+" WHERE `id` = ?", append(args, mailboxID)...)
	if errors.Is(err, errNoValuesChanged) {
		return fmt.Errorf("%w: %v", connector.ErrNoSuchMailbox, mailboxID)
	}

	return err
}

// PutMailbox inserts or replaces a mailbox, for mailboxes that are not part of the folder hierarchy.
func (s *SQLite) PutMailbox(ctx context.Context, mbox connector.Mailbox) error {
	return s.write(ctx, func(ctx context.Context, qw QueryWrapper) error {
		_, err := ExecQuery(ctx, qw, "INSERT OR REPLACE INTO `mailboxes` ("+mailboxColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			mbox.ID, mbox.AccountID, mbox.ServerID, mbox.ParentID, mbox.Name, mbox.Kind, mbox.SyncKey, mbox.Interval,
			mbox.LastSync.Trigger, mbox.LastSync.Changes, toUnixNano(mbox.LastSync.At),
		)

		return err
	})
}
