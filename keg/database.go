package keg

import (
	"context"
	"sync"
	"time"

	"github.com/mkravchenko/kegsync/keg/internal/syncx"
)

// SelfDatabaseID is the private per-user scope.
const SelfDatabaseID = "SELF"

// KeyResolver resolves a key generation by id, waiting up to timeout for
// a generation that has not synced yet. A nil key with a nil error means
// the generation is unavailable, not empty. Boot kegs implement this.
type KeyResolver interface {
	GetKey(ctx context.Context, keyID string, timeout time.Duration) ([]byte, error)
}

// Database identifies a logical collection of kegs: the private SELF scope
// or a shared scope keyed by a system-wide id. Its current key and key id
// are set only by its boot keg after a successful load or save; kegs only
// read them, waiting until resolution instead of encrypting with a nil or
// stale key.
type Database struct {
	id string

	mu    sync.Mutex
	key   []byte
	keyID string
	boot  KeyResolver

	resolved *syncx.Broadcaster
}

func NewDatabase(id string) *Database {
	return &Database{id: id, resolved: syncx.NewBroadcaster()}
}

func (d *Database) ID() string { return d.id }

// IsSelf reports whether this is the private scope.
func (d *Database) IsSelf() bool { return d.id == SelfDatabaseID }

// SetBoot attaches the boot keg that resolves this database's historical
// key generations.
func (d *Database) SetBoot(b KeyResolver) {
	d.mu.Lock()
	d.boot = b
	d.mu.Unlock()
	d.resolved.Broadcast()
}

// SetCurrentKey installs the active encryption key. Called by the boot keg
// only.
func (d *Database) SetCurrentKey(key []byte, keyID string) {
	d.mu.Lock()
	d.key = key
	d.keyID = keyID
	d.mu.Unlock()
	d.resolved.Broadcast()
}

// CurrentKey returns the active key and its id, waiting until the boot keg
// has resolved them or ctx is done.
func (d *Database) CurrentKey(ctx context.Context) (key []byte, keyID string, err error) {
	err = d.resolved.Wait(ctx, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.key != nil
	})
	if err != nil {
		return nil, "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.key, d.keyID, nil
}

// Key resolves a specific key generation through the boot keg, waiting up
// to timeout for it to appear.
func (d *Database) Key(ctx context.Context, keyID string, timeout time.Duration) ([]byte, error) {
	// wait for a boot keg to be attached at all
	if err := d.resolved.Wait(ctx, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.boot != nil
	}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	boot := d.boot
	d.mu.Unlock()
	return boot.GetKey(ctx, keyID, timeout)
}
