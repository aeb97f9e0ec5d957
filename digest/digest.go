// Package digest tracks per-(database, keg type) collection versions so the
// sync layer can decide "is there anything new" without fetching records.
// The server pushes updates; Tracker keeps the latest view and notifies
// subscribers.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mkravchenko/kegsync/logging"
	"github.com/mkravchenko/kegsync/transport"
)

// Entry is the digest for one (database, keg type) pair. Update ids are
// opaque server-issued ordering tokens; compare them with CompareUpdateIDs.
type Entry struct {
	MaxUpdateID   string `json:"maxUpdateId"`
	KnownUpdateID string `json:"knownUpdateId"`
	NewKegsCount  int    `json:"newKegsCount"`
}

// CompareUpdateIDs orders two update ids. Tokens are decimal strings of
// varying width, so shorter means smaller; equal widths compare
// lexicographically. Empty sorts before everything.
func CompareUpdateIDs(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	if a < b {
		return -1
	}
	return 1
}

// Digest is the consumer-facing view of the tracker.
type Digest interface {
	// Get returns the current digest for (dbID, kegType); the zero Entry
	// when nothing is known yet.
	Get(dbID, kegType string) Entry
	// Subscribe registers fn to run whenever the digest for (dbID, kegType)
	// changes. The returned function removes the subscription.
	Subscribe(dbID, kegType string, fn func()) (unsubscribe func())
	// SeenThis records that the local state has caught up to updateID and
	// tells the server.
	SeenThis(ctx context.Context, dbID, kegType, updateID string) error
}

type digestKey struct {
	db  string
	typ string
}

// Tracker implements Digest on top of the transport's kegUpdated push
// events plus explicit fetches.
type Tracker struct {
	transport transport.Transport
	log       logging.Logger

	mu      sync.Mutex
	entries map[digestKey]Entry
	subs    map[digestKey]map[int]func()
	nextSub int

	unsubscribe func()
}

// kegUpdatedEvent is the payload of a server kegUpdated push.
type kegUpdatedEvent struct {
	KegDBID      string `json:"kegDbId"`
	Type         string `json:"type"`
	MaxUpdateID  string `json:"maxUpdateId"`
	NewKegsCount int    `json:"newKegsCount"`
}

func NewTracker(t transport.Transport, log logging.Logger) *Tracker {
	if log == nil {
		log = logging.Nop()
	}
	tr := &Tracker{
		transport: t,
		log:       log.With("component", "digest"),
		entries:   make(map[digestKey]Entry),
		subs:      make(map[digestKey]map[int]func()),
	}
	tr.unsubscribe = t.Subscribe(transport.EventKegUpdated, tr.onKegUpdated)
	return tr
}

// Close detaches the tracker from the transport.
func (tr *Tracker) Close() {
	if tr.unsubscribe != nil {
		tr.unsubscribe()
	}
}

func (tr *Tracker) onKegUpdated(payload json.RawMessage) {
	var ev kegUpdatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		tr.log.Warn(context.Background(), "dropping malformed kegUpdated event", "error", err)
		return
	}

	k := digestKey{db: ev.KegDBID, typ: ev.Type}

	tr.mu.Lock()
	entry := tr.entries[k]
	if CompareUpdateIDs(ev.MaxUpdateID, entry.MaxUpdateID) > 0 {
		entry.MaxUpdateID = ev.MaxUpdateID
	}
	entry.NewKegsCount = ev.NewKegsCount
	tr.entries[k] = entry
	subs := tr.snapshotSubs(k)
	tr.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// snapshotSubs must be called with tr.mu held.
func (tr *Tracker) snapshotSubs(k digestKey) []func() {
	out := make([]func(), 0, len(tr.subs[k]))
	for _, fn := range tr.subs[k] {
		out = append(out, fn)
	}
	return out
}

func (tr *Tracker) Get(dbID, kegType string) Entry {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.entries[digestKey{db: dbID, typ: kegType}]
}

// Fetch pulls the digest for (dbID, kegType) from the server and merges it
// into the local view.
func (tr *Tracker) Fetch(ctx context.Context, dbID, kegType string) (Entry, error) {
	resp, err := tr.transport.Send(ctx, transport.RouteKegDigest, map[string]string{
		"kegDbId": dbID,
		"type":    kegType,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("fetching digest for %s/%s: %w", dbID, kegType, err)
	}

	var entry Entry
	if err := json.Unmarshal(resp, &entry); err != nil {
		return Entry{}, fmt.Errorf("decoding digest for %s/%s: %w", dbID, kegType, err)
	}

	k := digestKey{db: dbID, typ: kegType}
	tr.mu.Lock()
	tr.entries[k] = entry
	subs := tr.snapshotSubs(k)
	tr.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return entry, nil
}

func (tr *Tracker) Subscribe(dbID, kegType string, fn func()) func() {
	k := digestKey{db: dbID, typ: kegType}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.subs[k] == nil {
		tr.subs[k] = make(map[int]func())
	}
	id := tr.nextSub
	tr.nextSub++
	tr.subs[k][id] = fn

	return func() {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		delete(tr.subs[k], id)
	}
}

func (tr *Tracker) SeenThis(ctx context.Context, dbID, kegType, updateID string) error {
	k := digestKey{db: dbID, typ: kegType}

	tr.mu.Lock()
	entry := tr.entries[k]
	if CompareUpdateIDs(updateID, entry.KnownUpdateID) > 0 {
		entry.KnownUpdateID = updateID
		tr.entries[k] = entry
	}
	tr.mu.Unlock()

	_, err := tr.transport.Send(ctx, transport.RouteDigestSeen, map[string]string{
		"kegDbId":  dbID,
		"type":     kegType,
		"updateId": updateID,
	})
	if err != nil {
		return fmt.Errorf("reporting seen update for %s/%s: %w", dbID, kegType, err)
	}
	return nil
}
