// Package contacts resolves usernames to public keys. The keg layer uses it
// to verify signatures and to validate the senders of shared kegs.
package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mkravchenko/kegsync/cache"
	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/logging"
	"github.com/mkravchenko/kegsync/transport"
)

// Contact is a resolved directory entry. NotFound marks a username the
// server does not know; its key fields are empty.
type Contact struct {
	Username            string `json:"username"`
	EncryptionPublicKey []byte `json:"encryptionPublicKey,omitempty"`
	SigningPublicKey    []byte `json:"signingPublicKey,omitempty"`
	NotFound            bool   `json:"-"`
}

// Directory resolves usernames to contacts. Lookup blocks until the contact
// is resolved or ctx is done; concurrent lookups for the same username are
// coalesced into one request.
type Directory interface {
	Lookup(ctx context.Context, username string) (*Contact, error)
}

// TransportDirectory resolves contacts over the transport and caches
// positive results in the local store. Negative results are cached in
// memory only, so a later registration is picked up after restart.
type TransportDirectory struct {
	transport transport.Transport
	store     cache.Store
	log       logging.Logger

	mu       sync.Mutex
	inflight map[string]*lookupCall
	negative map[string]bool
}

type lookupCall struct {
	done    chan struct{}
	contact *Contact
	err     error
}

func NewTransportDirectory(t transport.Transport, store cache.Store, log logging.Logger) *TransportDirectory {
	if log == nil {
		log = logging.Nop()
	}
	return &TransportDirectory{
		transport: t,
		store:     store,
		log:       log.With("component", "contacts"),
		inflight:  make(map[string]*lookupCall),
		negative:  make(map[string]bool),
	}
}

func cacheKey(username string) string { return "contact:" + username }

func (d *TransportDirectory) Lookup(ctx context.Context, username string) (*Contact, error) {
	if username == "" {
		return nil, errors.New("contacts: empty username")
	}

	d.mu.Lock()
	if d.negative[username] {
		d.mu.Unlock()
		return &Contact{Username: username, NotFound: true}, nil
	}
	if call, ok := d.inflight[username]; ok {
		d.mu.Unlock()
		select {
		case <-call.done:
			return call.contact, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &lookupCall{done: make(chan struct{})}
	d.inflight[username] = call
	d.mu.Unlock()

	contact, err := d.resolve(ctx, username)

	d.mu.Lock()
	call.contact, call.err = contact, err
	delete(d.inflight, username)
	if err == nil && contact.NotFound {
		d.negative[username] = true
	}
	d.mu.Unlock()
	close(call.done)

	return contact, err
}

func (d *TransportDirectory) resolve(ctx context.Context, username string) (*Contact, error) {
	if cached := d.fromCache(ctx, username); cached != nil {
		return cached, nil
	}

	resp, err := d.transport.Send(ctx, transport.RouteContactLookup, map[string]string{"username": username})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return &Contact{Username: username, NotFound: true}, nil
		}
		return nil, fmt.Errorf("looking up %s: %w", username, err)
	}

	var contact Contact
	if err := json.Unmarshal(resp, &contact); err != nil {
		return nil, fmt.Errorf("decoding contact %s: %w", username, err)
	}
	contact.Username = username

	d.toCache(ctx, &contact)
	return &contact, nil
}

func (d *TransportDirectory) fromCache(ctx context.Context, username string) *Contact {
	if d.store == nil {
		return nil
	}
	raw, err := d.store.Get(ctx, cacheKey(username))
	if err != nil {
		return nil
	}
	var contact Contact
	if err := json.Unmarshal(raw, &contact); err != nil {
		d.log.Warn(ctx, "dropping corrupted cached contact", "username", username, "error", err)
		_ = d.store.Delete(ctx, cacheKey(username))
		return nil
	}
	return &contact
}

func (d *TransportDirectory) toCache(ctx context.Context, contact *Contact) {
	if d.store == nil || contact.NotFound {
		return
	}
	raw, err := json.Marshal(contact)
	if err != nil {
		return
	}
	if err := d.store.Set(ctx, cacheKey(contact.Username), raw); err != nil {
		d.log.Warn(ctx, "failed to cache contact", "username", contact.Username, "error", err)
	}
}
