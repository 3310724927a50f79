package connector

import (
	"context"
	"sync"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DummyStore is an in-memory Store.
type DummyStore struct {
	lock sync.Mutex

	accounts  map[string]Account
	policies  map[string]*Policy
	mailboxes map[string]Mailbox

	// intervals records every interval change, in order.
	intervals []IntervalChange
}

// IntervalChange is one recorded SetInterval call.
type IntervalChange struct {
	MailboxID string
	Interval  Interval
}

func NewDummyStore() *DummyStore {
	return &DummyStore{
		accounts:  make(map[string]Account),
		policies:  make(map[string]*Policy),
		mailboxes: make(map[string]Mailbox),
	}
}

// PutAccount adds or replaces an account.
func (s *DummyStore) PutAccount(account Account) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.accounts[account.ID] = account
}

// PutMailbox adds or replaces a mailbox.
func (s *DummyStore) PutMailbox(mbox Mailbox) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.mailboxes[mbox.ID] = mbox
}

// Intervals returns the recorded interval changes.
func (s *DummyStore) Intervals() []IntervalChange {
	s.lock.Lock()
	defer s.lock.Unlock()

	return xslices.Clone(s.intervals)
}

func (s *DummyStore) AddAccount(_ context.Context, account Account) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return ErrAccountExists
	}

	s.accounts[account.ID] = account

	return nil
}

func (s *DummyStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return Account{}, ErrNoSuchAccount
	}

	return account, nil
}

func (s *DummyStore) SetProtocolVersion(_ context.Context, accountID, version string, at time.Time) error {
	return s.updateAccount(accountID, func(account *Account) {
		account.ProtocolVersion = version
		account.VersionCheckedAt = at
	})
}

func (s *DummyStore) GetPolicy(_ context.Context, accountID string) (*Policy, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return nil, ErrNoSuchAccount
	}

	return s.policies[accountID], nil
}

func (s *DummyStore) CommitPolicy(_ context.Context, accountID string, policy *Policy, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return ErrNoSuchAccount
	}

	account.PolicyKey = key
	account.SecurityHold = false
	s.accounts[accountID] = account
	s.policies[accountID] = policy

	return nil
}

func (s *DummyStore) SetSecurityHold(_ context.Context, accountID string, hold bool) error {
	return s.updateAccount(accountID, func(account *Account) {
		account.SecurityHold = hold
	})
}

func (s *DummyStore) GetMailbox(_ context.Context, mailboxID string) (Mailbox, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	mbox, ok := s.mailboxes[mailboxID]
	if !ok {
		return Mailbox{}, ErrNoSuchMailbox
	}

	return mbox, nil
}

func (s *DummyStore) GetMailboxes(_ context.Context, accountID string) ([]Mailbox, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	mboxes := xslices.Filter(maps.Values(s.mailboxes), func(mbox Mailbox) bool {
		return mbox.AccountID == accountID
	})

	slices.SortFunc(mboxes, func(a, b Mailbox) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	return mboxes, nil
}

func (s *DummyStore) SetInterval(_ context.Context, mailboxID string, interval Interval) error {
	return s.updateMailbox(mailboxID, func(mbox *Mailbox) {
		mbox.Interval = interval
		s.intervals = append(s.intervals, IntervalChange{MailboxID: mailboxID, Interval: interval})
	})
}

func (s *DummyStore) SetSyncKey(_ context.Context, mailboxID, key string) error {
	return s.updateMailbox(mailboxID, func(mbox *Mailbox) {
		mbox.SyncKey = key
	})
}

func (s *DummyStore) SetSyncStatus(_ context.Context, mailboxID string, status SyncStatus) error {
	return s.updateMailbox(mailboxID, func(mbox *Mailbox) {
		mbox.LastSync = status
	})
}

func (s *DummyStore) CommitSync(ctx context.Context, mailboxID, key string, apply func(context.Context) error) error {
	if _, err := s.GetMailbox(ctx, mailboxID); err != nil {
		return err
	}

	if apply != nil {
		if err := apply(ctx); err != nil {
			return err
		}
	}

	return s.SetSyncKey(ctx, mailboxID, key)
}

func (s *DummyStore) ApplyFolderSync(_ context.Context, accountID string, result FolderSyncResult) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return ErrNoSuchAccount
	}

	byServerID := make(map[string]string)

	for id, mbox := range s.mailboxes {
		if mbox.AccountID == accountID {
			byServerID[mbox.ServerID] = id
		}
	}

	for _, change := range result.Changes {
		id, exists := byServerID[change.ServerID]

		switch change.Op {
		case FolderAdd, FolderUpdate:
			if !exists {
				id = accountID + "/" + change.ServerID
			}

			mbox := s.mailboxes[id]

			mbox.ID = id
			mbox.AccountID = accountID
			mbox.ServerID = change.ServerID
			mbox.ParentID = change.ParentID
			mbox.Name = change.Name
			mbox.Kind = change.Kind

			if !exists {
				mbox.SyncKey = InitialSyncKey
				mbox.Interval = s.defaultIntervalLocked(accountID, change.Kind)
			}

			s.mailboxes[id] = mbox

		case FolderDelete:
			if exists {
				delete(s.mailboxes, id)
			}
		}
	}

	account := s.accounts[accountID]
	account.FolderSyncKey = result.SyncKey
	s.accounts[accountID] = account

	return nil
}

func (s *DummyStore) SetFolderSyncKey(_ context.Context, accountID, key string) error {
	return s.updateAccount(accountID, func(account *Account) {
		account.FolderSyncKey = key
	})
}

func (s *DummyStore) defaultIntervalLocked(accountID string, kind Kind) Interval {
	if kind == KindInbox {
		return s.accounts[accountID].Interval
	}

	return IntervalNever
}

func (s *DummyStore) updateAccount(accountID string, fn func(*Account)) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return ErrNoSuchAccount
	}

	fn(&account)

	s.accounts[accountID] = account

	return nil
}

func (s *DummyStore) updateMailbox(mailboxID string, fn func(*Mailbox)) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	mbox, ok := s.mailboxes[mailboxID]
	if !ok {
		return ErrNoSuchMailbox
	}

	fn(&mbox)

	s.mailboxes[mailboxID] = mbox

	return nil
}
