package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ProtonMail/airsync/connector"
)

var _ connector.Store = (*SQLite)(nil)

const accountColumns = "`id`, `host`, `user`, `password`, `device_id`, `interval`, `protocol_version`, " +
	"`version_checked_at`, `folder_sync_key`, `policy_key`, `security_hold`"

func scanAccount(scanner RowScanner) (connector.Account, error) {
	var (
		account   connector.Account
		checkedAt int64
	)

	if err := scanner.Scan(
		&account.ID,
		&account.Host,
		&account.User,
		&account.Password,
		&account.DeviceID,
		&account.Interval,
		&account.ProtocolVersion,
		&checkedAt,
		&account.FolderSyncKey,
		&account.PolicyKey,
		&account.SecurityHold,
	); err != nil {
		return connector.Account{}, err
	}

	account.VersionCheckedAt = fromUnixNano(checkedAt)

	return account, nil
}

func (s *SQLite) AddAccount(ctx context.Context, account connector.Account) error {
	if account.FolderSyncKey == "" {
		account.FolderSyncKey = connector.InitialSyncKey
	}

	return s.write(ctx, func(ctx context.Context, qw QueryWrapper) error {
		exists, err := QueryExists(ctx, qw, "SELECT 1 FROM `accounts` WHERE `id` = ?", account.ID)
		if err != nil {
			return err
		}

		if exists {
			return connector.ErrAccountExists
		}

		_, err = ExecQuery(ctx, qw, "INSERT INTO `accounts` ("+accountColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			account.ID,
			account.Host,
			account.User,
			account.Password,
			account.DeviceID,
			account.Interval,
			account.ProtocolVersion,
			toUnixNano(account.VersionCheckedAt),
			account.FolderSyncKey,
			account.PolicyKey,
			account.SecurityHold,
		)

		return err
	})
}

func (s *SQLite) GetAccount(ctx context.Context, accountID string) (connector.Account, error) {
	var account connector.Account

	err := s.read(ctx, func(ctx context.Context, qw QueryWrapper) error {
		var err error

		account, err = getAccount(ctx, qw, accountID)

		return err
	})

	return account, err
}

func getAccount(ctx context.Context, qw QueryWrapper, accountID string) (connector.Account, error) {
	account, err := MapQueryRowFn(ctx, qw, "SELECT "+accountColumns+" FROM `accounts` WHERE `id` = ?", scanAccount, accountID)
	if errors.Is(err, ErrNotFound) {
		return connector.Account{}, fmt.Errorf("%w: %v", connector.ErrNoSuchAccount, accountID)
	}

	return account, err
}

func (s *SQLite) SetProtocolVersion(ctx context.Context, accountID, version string, at time.Time) error {
	return s.updateAccount(ctx, accountID, "`protocol_version` = ?, `version_checked_at` = ?", version, toUnixNano(at))
}

func (s *SQLite) SetSecurityHold(ctx context.Context, accountID string, hold bool) error {
	return s.updateAccount(ctx, accountID, "`security_hold` = ?", hold)
}

func (s *SQLite) SetFolderSyncKey(ctx context.Context, accountID, key string) error {
	return s.updateAccount(ctx, accountID, "`folder_sync_key` = ?", key)
}

func (s *SQLite) updateAccount(ctx context.Context, accountID, set string, args ...any) error {
	return s.write(ctx, func(ctx context.Context, qw QueryWrapper) error {
		return updateAccount(ctx, qw, accountID, set, args...)
	})
}

func updateAccount(ctx context.Context, qw QueryWrapper, accountID, set string, args ...any) error {
	err := ExecQueryAndCheckUpdatedNotZero(ctx, qw, "UPDATE `accounts` SET "+set+" WHERE `id` = ?", append(args, accountID)...)
	if errors.Is(err, errNoValuesChanged) {
		return fmt.Errorf("%w: %v", connector.ErrNoSuchAccount, accountID)
	}

	return err
}

func (s *SQLite) GetPolicy(ctx context.Context, accountID string) (*connector.Policy, error) {
	var policy *connector.Policy

	err := s.read(ctx, func(ctx context.Context, qw QueryWrapper) error {
		if _, err := getAccount(ctx, qw, accountID); err != nil {
			return err
		}

		p, err := MapQueryRowFn(ctx, qw, "SELECT `max_attachment_size`, `dont_allow_attachments` FROM `policies` WHERE `account_id` = ?",
			func(scanner RowScanner) (connector.Policy, error) {
				var p connector.Policy

				err := scanner.Scan(&p.MaxAttachmentSize, &p.DontAllowAttachments)

				return p, err
			}, accountID)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}

		reqs, err := MapQueryRowsFn(ctx, qw, "SELECT `name`, `value` FROM `policy_requirements` WHERE `account_id` = ? ORDER BY `position`",
			func(scanner RowScanner) (connector.Requirement, error) {
				var req connector.Requirement

				err := scanner.Scan(&req.Name, &req.Value)

				return req, err
			}, accountID)
		if err != nil {
			return err
		}

		p.Requirements = reqs
		policy = &p

		return nil
	})

	return policy, err
}

// CommitPolicy replaces the policy and its key and lifts the security hold in one transaction.
// A nil policy removes it.
func (s *SQLite) CommitPolicy(ctx context.Context, accountID string, policy *connector.Policy, key string) error {
	return s.write(ctx, func(ctx context.Context, qw QueryWrapper) error {
		if err := setPolicy(ctx, qw, accountID, policy, key); err != nil {
			return err
		}

		return updateAccount(ctx, qw, accountID, "`security_hold` = ?", false)
	})
}

func setPolicy(ctx context.Context, qw QueryWrapper, accountID string, policy *connector.Policy, key string) error {
	if err := updateAccount(ctx, qw, accountID, "`policy_key` = ?", key); err != nil {
		return err
	}

	if _, err := ExecQuery(ctx, qw, "DELETE FROM `policy_requirements` WHERE `account_id` = ?", accountID); err != nil {
		return err
	}

	if _, err := ExecQuery(ctx, qw, "DELETE FROM `policies` WHERE `account_id` = ?", accountID); err != nil {
		return err
	}

	if policy == nil {
		return nil
	}

	if _, err := ExecQuery(ctx, qw, "INSERT INTO `policies` (`account_id`, `max_attachment_size`, `dont_allow_attachments`) VALUES (?, ?, ?)",
		accountID, policy.MaxAttachmentSize, policy.DontAllowAttachments,
	); err != nil {
		return err
	}

	for idx, req := range policy.Requirements {
		if _, err := ExecQuery(ctx, qw, "INSERT INTO `policy_requirements` (`account_id`, `position`, `name`, `value`) VALUES (?, ?, ?, ?)",
			accountID, idx, req.Name, req.Value,
		); err != nil {
			return err
		}
	}

	return nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(0, v)
}
