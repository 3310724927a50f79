package connector

import (
	"context"
	"sync"
)

// DummyAdapter is a scriptable sync adapter. Sync responses are SyncResult values encoded by Reply.
type DummyAdapter struct {
	lock sync.Mutex

	class    string
	syncable bool
	options  []byte
	changes  []byte

	applied   int
	applyErr  error
	cleanups  int
	completed []Request
}

func newDummyAdapter(class string) *DummyAdapter {
	return &DummyAdapter{
		class:    class,
		syncable: true,
		options:  []byte("options"),
	}
}

func (a *DummyAdapter) Class() string {
	return a.class
}

func (a *DummyAdapter) IsSyncable() bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.syncable
}

// SetSyncable changes whether the mailbox may be synchronized.
func (a *DummyAdapter) SetSyncable(syncable bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.syncable = syncable
}

func (a *DummyAdapter) Options() []byte {
	return a.options
}

// SetLocalChanges sets the pending local changes; nil clears them.
func (a *DummyAdapter) SetLocalChanges(changes []byte) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.changes = changes
}

func (a *DummyAdapter) LocalChanges() ([]byte, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.changes, len(a.changes) > 0
}

func (a *DummyAdapter) Parse(body []byte) (SyncResult, error) {
	res, err := DecodeBody[SyncResult](body)
	if err != nil {
		return SyncResult{}, err
	}

	changes := res.Changes

	res.Apply = func(context.Context) error {
		a.lock.Lock()
		defer a.lock.Unlock()

		if a.applyErr != nil {
			return a.applyErr
		}

		a.applied += changes

		return nil
	}

	return res, nil
}

// FailApply makes subsequent diff applications fail with err.
func (a *DummyAdapter) FailApply(err error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.applyErr = err
}

func (a *DummyAdapter) Cleanup() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.changes = nil
	a.cleanups++

	return nil
}

func (a *DummyAdapter) Complete(_ context.Context, req Request, _ []byte) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.completed = append(a.completed, req)

	return nil
}

// Applied returns the number of server changes applied so far.
func (a *DummyAdapter) Applied() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.applied
}

// Cleanups returns how many times local change tracking was cleared.
func (a *DummyAdapter) Cleanups() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.cleanups
}

// Completed returns the queued requests completed so far.
func (a *DummyAdapter) Completed() []Request {
	a.lock.Lock()
	defer a.lock.Unlock()

	return append([]Request(nil), a.completed...)
}
