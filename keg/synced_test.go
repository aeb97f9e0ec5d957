package keg

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/digest"
	"github.com/mkravchenko/kegsync/transport"
	"github.com/mkravchenko/kegsync/warnings"
)

// stubDigest is a controllable digest.Digest for synced keg tests.
type stubDigest struct {
	mu      sync.Mutex
	entries map[string]digest.Entry
	subs    []func()
	seen    []string
}

func newStubDigest() *stubDigest {
	return &stubDigest{entries: make(map[string]digest.Entry)}
}

func (d *stubDigest) Get(dbID, kegType string) digest.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries[dbID+"|"+kegType]
}

func (d *stubDigest) Subscribe(dbID, kegType string, fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
	return func() {}
}

func (d *stubDigest) SeenThis(_ context.Context, dbID, kegType, updateID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, updateID)
	return nil
}

func (d *stubDigest) push(dbID, kegType, maxUpdateID string) {
	d.mu.Lock()
	d.entries[dbID+"|"+kegType] = digest.Entry{MaxUpdateID: maxUpdateID}
	subs := append([]func(){}, d.subs...)
	d.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (d *stubDigest) seenIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.seen...)
}

func newSavedNoteKeg(t *testing.T, srv *fakeServer, db *Database, deps Deps, kv map[string]string) string {
	t.Helper()
	codec := newMapCodec()
	for k, v := range kv {
		codec.set(k, v)
	}
	k := New(db, deps, Config{Type: "note"}, codec)
	require.NoError(t, k.SaveToServer(testContext(t)))
	return k.ID()
}

func TestSyncedKegInitialReload(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	db, _ := newSelfDatabase(t)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}
	id := newSavedNoteKeg(t, srv, db, deps, map[string]string{"title": "groceries"})

	codec := newMapCodec()
	sk := NewSynced(New(db, deps, Config{ID: id, Type: "note"}, codec), SyncedOptions{})
	defer sk.Close()

	// an explicit reload queues behind the automatic initial one
	require.NoError(t, sk.Reload(ctx))
	require.True(t, sk.Keg().Loaded())
	require.Equal(t, "groceries", codec.get("title"))
}

func TestSyncedKegDigestShortCircuit(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	db, _ := newSelfDatabase(t)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}
	id := newSavedNoteKeg(t, srv, db, deps, map[string]string{"n": "1"})

	dig := newStubDigest()
	codec := newMapCodec()
	sk := NewSynced(New(db, deps, Config{ID: id, Type: "note"}, codec), SyncedOptions{Digest: dig})
	defer sk.Close()
	require.NoError(t, sk.Reload(ctx))

	// digest says we already hold the newest update: no fetch
	dig.push(SelfDatabaseID, "note", sk.Keg().CollectionVersion())
	fetches := srv.callCount(transport.RouteKegGet)
	require.NoError(t, sk.Reload(ctx))
	require.Equal(t, fetches, srv.callCount(transport.RouteKegGet))

	// another session updates the keg; the digest push triggers a real fetch
	other := newMapCodec()
	k2 := New(db, deps, Config{ID: id, Type: "note"}, other)
	require.NoError(t, k2.Load(ctx))
	other.set("n", "2")
	require.NoError(t, k2.SaveToServer(ctx))
	dig.push(SelfDatabaseID, "note", k2.CollectionVersion())

	require.Eventually(t, func() bool {
		return codec.get("n") == "2"
	}, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, dig.seenIDs(), k2.CollectionVersion())
}

func TestSyncedKegSaveRollback(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	db, _ := newSelfDatabase(t)
	hub := warnings.NewHub()
	warned, cancelSub := hub.Subscribe()
	defer cancelSub()
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice", Warnings: hub}
	id := newSavedNoteKeg(t, srv, db, deps, map[string]string{"x": "1"})

	codec := newMapCodec()
	k := New(db, deps, Config{ID: id, Type: "note"}, codec)
	require.NoError(t, k.Load(ctx))

	saveErrs := make(chan error, 1)
	sk := NewSynced(k, SyncedOptions{
		RetryBase:   5 * time.Millisecond,
		OnSaveError: func(err error) { saveErrs <- err },
	})
	defer sk.Close()

	versionBefore := k.Version()
	srv.failNext(transport.RouteKegUpdate, &transport.ServerError{Code: 500, Message: "boom"})
	err := sk.Save(ctx, func() bool { codec.set("x", "2"); return true }, nil, "warning_note_save_failed")
	require.Error(t, err)

	// failed change is rolled back and reported
	require.Equal(t, "1", codec.get("x"))
	require.Equal(t, versionBefore, k.Version())
	select {
	case w := <-warned:
		require.Equal(t, "warning_note_save_failed", w.LocaleKey)
	case <-ctx.Done():
		t.Fatal("no warning delivered")
	}
	select {
	case reported := <-saveErrs:
		require.Error(t, reported)
	case <-ctx.Done():
		t.Fatal("OnSaveError not invoked")
	}
}

func TestSyncedKegSaveCancelled(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	db, _ := newSelfDatabase(t)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}
	id := newSavedNoteKeg(t, srv, db, deps, map[string]string{"x": "1"})

	codec := newMapCodec()
	k := New(db, deps, Config{ID: id, Type: "note"}, codec)
	require.NoError(t, k.Load(ctx))
	sk := NewSynced(k, SyncedOptions{})
	defer sk.Close()

	saves := srv.callCount(transport.RouteKegUpdate)
	require.NoError(t, sk.Save(ctx, func() bool { return false }, nil, ""))
	require.Equal(t, saves, srv.callCount(transport.RouteKegUpdate))
}

func TestSyncedKegSaveRetriesTransient(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	db, _ := newSelfDatabase(t)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}
	id := newSavedNoteKeg(t, srv, db, deps, map[string]string{"x": "1"})

	codec := newMapCodec()
	k := New(db, deps, Config{ID: id, Type: "note"}, codec)
	require.NoError(t, k.Load(ctx))
	sk := NewSynced(k, SyncedOptions{RetryBase: 5 * time.Millisecond})
	defer sk.Close()

	srv.failNext(transport.RouteKegUpdate, common.ErrUnavailable)
	require.NoError(t, sk.Save(ctx, func() bool { codec.set("x", "2"); return true }, nil, ""))
	require.Equal(t, "2", codec.get("x"))
	require.EqualValues(t, 3, k.Version())
}

// stallingTransport blocks updates until the task context expires,
// simulating a wedged connection.
type stallingTransport struct {
	*fakeServer
	stallRoute string
}

func (s *stallingTransport) Send(ctx context.Context, route string, payload any) (json.RawMessage, error) {
	if route == s.stallRoute {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.fakeServer.Send(ctx, route, payload)
}

func TestSyncedKegTaskTimeoutFreesWorker(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	db, _ := newSelfDatabase(t)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}
	id := newSavedNoteKeg(t, srv, db, deps, map[string]string{"x": "1"})

	stalling := &stallingTransport{fakeServer: srv, stallRoute: transport.RouteKegUpdate}
	deps.Transport = stalling
	codec := newMapCodec()
	k := New(db, deps, Config{ID: id, Type: "note"}, codec)
	require.NoError(t, k.Load(ctx))

	sk := NewSynced(k, SyncedOptions{TaskTimeout: 100 * time.Millisecond, RetryBase: 5 * time.Millisecond})
	defer sk.Close()

	err := sk.Save(ctx, func() bool { codec.set("x", "2"); return true }, nil, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "1", codec.get("x"), "timed-out change must roll back")

	// the worker survives the stalled save and keeps serving the queue
	require.NoError(t, sk.Reload(ctx))
	require.True(t, sk.Keg().Loaded())
}

func TestSyncedKegMalformedSaveReloads(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	db, _ := newSelfDatabase(t)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}
	id := newSavedNoteKeg(t, srv, db, deps, map[string]string{"x": "1"})

	stale := newMapCodec()
	k := New(db, deps, Config{ID: id, Type: "note"}, stale)
	require.NoError(t, k.Load(ctx))

	// another session moves the keg forward; this instance is now stale
	other := newMapCodec()
	k2 := New(db, deps, Config{ID: id, Type: "note"}, other)
	require.NoError(t, k2.Load(ctx))
	other.set("x", "99")
	require.NoError(t, k2.SaveToServer(ctx))

	sk := NewSynced(k, SyncedOptions{RetryBase: 5 * time.Millisecond})
	defer sk.Close()

	// the initial automatic reload may already have resynced this
	// instance; force it stale again for a deterministic conflict
	require.NoError(t, sk.Reload(ctx))
	k.mu.Lock()
	k.version = 2
	k.mu.Unlock()
	stale.set("x", "2")

	err := sk.Save(ctx, nil, nil, "")
	require.ErrorIs(t, err, common.ErrMalformedRequest)
	// the rejection forced a reload, so the instance now reflects the server
	require.Equal(t, "99", stale.get("x"))
	require.Equal(t, k2.Version(), k.Version())
}
