package connector

import (
	"context"
	"sync"
)

// DummyDevice is a scriptable Device. By default it is online, supports every requirement and
// satisfies every policy.
type DummyDevice struct {
	lock sync.Mutex

	offline     bool
	unsupported map[string]struct{}
	inactive    bool

	wipes   int
	flagged []Policy
}

func NewDummyDevice() *DummyDevice {
	return &DummyDevice{unsupported: make(map[string]struct{})}
}

func (d *DummyDevice) SetConnectivity(online bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.offline = !online
}

// Unsupport makes the device unable to enforce the named requirements.
func (d *DummyDevice) Unsupport(names ...string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	for _, name := range names {
		d.unsupported[name] = struct{}{}
	}
}

// SetActive changes whether the device satisfies policies.
func (d *DummyDevice) SetActive(active bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.inactive = !active
}

func (d *DummyDevice) HasConnectivity() bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	return !d.offline
}

func (d *DummyDevice) Supports(req Requirement) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	_, unsupported := d.unsupported[req.Name]

	return !unsupported
}

func (d *DummyDevice) IsActive(policy Policy) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.inactive {
		return false
	}

	for _, req := range policy.Requirements {
		if _, unsupported := d.unsupported[req.Name]; unsupported {
			return false
		}
	}

	return true
}

func (d *DummyDevice) Wipe(context.Context) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.wipes++

	return nil
}

func (d *DummyDevice) FlagAttachmentsForPolicy(_ context.Context, _ string, policy Policy) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.flagged = append(d.flagged, policy)

	return nil
}

func (d *DummyDevice) Wipes() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.wipes
}

// Flagged returns the policies attachments were flagged for.
func (d *DummyDevice) Flagged() []Policy {
	d.lock.Lock()
	defer d.lock.Unlock()

	return append([]Policy(nil), d.flagged...)
}
