package keg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mkravchenko/kegsync/contacts"
	"github.com/mkravchenko/kegsync/transport"
)

// fakeServer is an in-memory keg server implementing transport.Transport.
// It stores wire records per database, hands out ids, enforces optimistic
// versioning, and supports per-route error injection.
type fakeServer struct {
	owner string

	mu         sync.Mutex
	kegs       map[string]map[string]*WireKeg
	nextID     int
	collection int
	calls      map[string]int
	failures   map[string][]error
	directory  map[string]*contacts.Contact
	handlers   map[string][]func(json.RawMessage)
}

func newFakeServer(owner string) *fakeServer {
	return &fakeServer{
		owner:     owner,
		kegs:      make(map[string]map[string]*WireKeg),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
		directory: make(map[string]*contacts.Contact),
		handlers:  make(map[string][]func(json.RawMessage)),
	}
}

func (f *fakeServer) Close() error { return nil }

func (f *fakeServer) Subscribe(event string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
	return func() {}
}

// failNext injects err for the next call on route. Multiple calls queue up.
func (f *fakeServer) failNext(route string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[route] = append(f.failures[route], err)
}

func (f *fakeServer) callCount(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

func (f *fakeServer) addContact(c *contacts.Contact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directory[c.Username] = c
}

// put installs a raw record, bypassing the wire protocol. Tests use it to
// simulate server-side tampering.
func (f *fakeServer) put(dbID string, rec *WireKeg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dbLocked(dbID)[rec.KegID] = rec
}

// record returns the stored record for mutation under the server lock.
func (f *fakeServer) record(dbID, kegID string) *WireKeg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dbLocked(dbID)[kegID]
}

func (f *fakeServer) dbLocked(dbID string) map[string]*WireKeg {
	if f.kegs[dbID] == nil {
		f.kegs[dbID] = make(map[string]*WireKeg)
	}
	return f.kegs[dbID]
}

func (f *fakeServer) Send(_ context.Context, route string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[route]++
	if pending := f.failures[route]; len(pending) > 0 {
		err := pending[0]
		f.failures[route] = pending[1:]
		return nil, err
	}

	switch route {
	case transport.RouteKegCreate:
		var req createRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		f.nextID++
		id := fmt.Sprintf("keg_%d", f.nextID)
		f.dbLocked(req.KegDBID)[id] = &WireKeg{
			KegID:   id,
			Type:    req.Type,
			Version: 1,
			Owner:   f.owner,
		}
		return json.Marshal(createResponse{KegID: id})

	case transport.RouteKegUpdate:
		var req updateRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		db := f.dbLocked(req.KegDBID)
		rec, ok := db[req.KegID]
		if ok && req.Version <= rec.Version {
			return nil, &transport.ServerError{Code: transport.CodeMalformedRequest, Message: "version conflict"}
		}
		if !ok {
			rec = &WireKeg{KegID: req.KegID, Owner: f.owner}
			db[req.KegID] = rec
		}
		f.collection++
		cv := strconv.Itoa(f.collection)
		rec.Type = req.Type
		rec.Version = req.Version
		rec.Format = req.Format
		rec.KeyID = req.KeyID
		rec.Payload = append([]byte(nil), req.Payload...)
		rec.Props = req.Props
		rec.CollectionVersion = cv
		rec.UpdatedAt = time.Now().UnixMilli()
		return json.Marshal(updateResponse{CollectionVersion: cv})

	case transport.RouteKegGet:
		var req getRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		rec, ok := f.dbLocked(req.KegDBID)[req.KegID]
		if !ok {
			return nil, &transport.ServerError{Code: transport.CodeNotFound, Message: "no such keg"}
		}
		return json.Marshal(rec)

	case transport.RouteKegDelete:
		var req deleteRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		rec, ok := f.dbLocked(req.KegDBID)[req.KegID]
		if !ok {
			return nil, &transport.ServerError{Code: transport.CodeNotFound, Message: "no such keg"}
		}
		rec.Deleted = true
		rec.Payload = nil
		return json.RawMessage(`{}`), nil

	case transport.RouteContactLookup:
		var req struct {
			Username string `json:"username"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		c, ok := f.directory[req.Username]
		if !ok {
			return nil, &transport.ServerError{Code: transport.CodeNotFound, Message: "no such user"}
		}
		return json.Marshal(c)

	case transport.RouteKegDigest, transport.RouteDigestSeen:
		return json.RawMessage(`{}`), nil
	}
	return nil, fmt.Errorf("fakeServer: unhandled route %s", route)
}

// mapDirectory is a static contacts.Directory for tests.
type mapDirectory map[string]*contacts.Contact

func (d mapDirectory) Lookup(_ context.Context, username string) (*contacts.Contact, error) {
	if c, ok := d[username]; ok {
		return c, nil
	}
	return &contacts.Contact{Username: username, NotFound: true}, nil
}

// gatedDirectory blocks every lookup until released, so tests can observe
// the window where async validation is still pending.
type gatedDirectory struct {
	inner contacts.Directory
	gate  chan struct{}
}

func newGatedDirectory(inner contacts.Directory) *gatedDirectory {
	return &gatedDirectory{inner: inner, gate: make(chan struct{})}
}

func (d *gatedDirectory) release() { close(d.gate) }

func (d *gatedDirectory) Lookup(ctx context.Context, username string) (*contacts.Contact, error) {
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.inner.Lookup(ctx, username)
}

// stubResolver is a KeyResolver over a fixed key table.
type stubResolver struct {
	keys map[string][]byte
}

func (r stubResolver) GetKey(_ context.Context, keyID string, _ time.Duration) ([]byte, error) {
	return r.keys[keyID], nil
}

// mapCodec is a PayloadCodec over a plain string map.
type mapCodec struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapCodec() *mapCodec {
	return &mapCodec{data: make(map[string]string)}
}

func (c *mapCodec) SerializeKegPayload(context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out, nil
}

func (c *mapCodec) DeserializeKegPayload(body json.RawMessage) error {
	var m map[string]string
	if err := json.Unmarshal(body, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.data = m
	c.mu.Unlock()
	return nil
}

func (c *mapCodec) set(k, v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[k] = v
}

func (c *mapCodec) get(k string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[k]
}

// failingCodec always errors on serialize.
type failingCodec struct{}

func (failingCodec) SerializeKegPayload(context.Context) (any, error) {
	return nil, fmt.Errorf("broken codec")
}

func (failingCodec) DeserializeKegPayload(json.RawMessage) error { return nil }
