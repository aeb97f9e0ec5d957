// Package keg implements the encrypted record layer: the Keg engine
// (save/load/encrypt/sign/anti-tamper), the boot kegs that bootstrap a
// database's symmetric keys, and the synced-keg reconciliation wrapper.
package keg

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/contacts"
	"github.com/mkravchenko/kegsync/cryptox"
	"github.com/mkravchenko/kegsync/keg/internal/syncx"
	"github.com/mkravchenko/kegsync/logging"
	"github.com/mkravchenko/kegsync/transport"
	"github.com/mkravchenko/kegsync/warnings"
)

// PayloadCodec is what a concrete keg type implements: turning its typed
// state into a JSON body and back. The engine handles everything around it
// (envelope, encryption, signing, wire exchange).
type PayloadCodec interface {
	// SerializeKegPayload returns the value to be JSON-encoded as the
	// payload body. The context covers any lookups serialization needs.
	SerializeKegPayload(ctx context.Context) (any, error)
	// DeserializeKegPayload consumes the decoded payload body.
	DeserializeKegPayload(body json.RawMessage) error
}

// PropsCodec is an optional extension for keg types that keep state in the
// unencrypted props map.
type PropsCodec interface {
	SerializeProps() map[string]string
	DeserializeProps(props map[string]string)
}

// DescriptorCodec is an optional extension consuming the descriptor prop.
type DescriptorCodec interface {
	DeserializeDescriptor(descriptor string) error
}

// SavedHook is an optional extension notified after every successful save.
type SavedHook interface {
	OnSaved()
}

// Deps are the collaborators a keg needs. Explicit injection; no globals.
type Deps struct {
	Transport transport.Transport
	Contacts  contacts.Directory
	// Username is the current account, recorded as owner/signer.
	Username string
	// SigningKeys sign outgoing payloads when signing applies. May be nil
	// for kegs that never sign (private unsigned kegs).
	SigningKeys *cryptox.SigningKeyPair
	// EncryptionKeys decrypt received shared kegs.
	EncryptionKeys *cryptox.KeyPair
	Logger        logging.Logger
	Warnings      warnings.Reporter
}

func (d *Deps) loadDefaults() {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Warnings == nil {
		d.Warnings = warnings.Nop()
	}
}

// Config describes one keg's static behavior.
type Config struct {
	// ID is empty for a keg that has never been saved; named kegs
	// (boot kegs, synced singletons) set it up front.
	ID   string
	Type string
	// Plaintext kegs are stored unencrypted.
	Plaintext bool
	// ForceSign signs even where the default rule would not.
	ForceSign bool
	// AllowEmpty makes "no payload yet" a valid load result.
	AllowEmpty bool
	// SignWithUsername records the signer in props next to the signature.
	SignWithUsername bool
	// OverrideKey bypasses the database key (boot kegs use the derived
	// boot key before the database has any key at all).
	OverrideKey []byte
	// Format tags the payload schema version.
	Format int
	// KeyWaitTimeout bounds waiting for a key generation that has not
	// synced yet.
	KeyWaitTimeout time.Duration
	// ReencryptShared re-saves a received shared keg under the database
	// key once the sender is validated.
	ReencryptShared bool
}

// Keg is the atomic record: an encrypted, signed, versioned payload with
// unencrypted props, synchronized against the server.
type Keg struct {
	db    *Database
	deps  Deps
	cfg   Config
	codec PayloadCodec
	log   logging.Logger

	state *syncx.Broadcaster

	mu                sync.Mutex
	id                string
	typ               string
	version           int64
	collectionVersion string
	format            int
	owner             string
	createdAt         time.Time
	updatedAt         time.Time
	props             map[string]string
	deleted           bool
	dirty             bool

	loading bool
	saving  bool
	loaded  bool

	signatureError   *bool
	sharedKegError   *bool
	decryptionError  bool
	lastLoadHadError bool

	sharedBy        string
	sharedSenderPK  []byte
	senderValidated bool

	// raw payload bytes as last exchanged with the server, kept for
	// asynchronous signature verification
	lastPayload []byte
}

// New constructs a keg bound to db. The codec supplies the payload logic.
func New(db *Database, deps Deps, cfg Config, codec PayloadCodec) *Keg {
	deps.loadDefaults()
	if cfg.KeyWaitTimeout == 0 {
		cfg.KeyWaitTimeout = 2 * time.Minute
	}
	return &Keg{
		db:    db,
		deps:  deps,
		cfg:   cfg,
		codec: codec,
		log:   deps.Logger.With("component", "keg", "type", cfg.Type, "db", db.ID()),
		state: syncx.NewBroadcaster(),

		id:              cfg.ID,
		typ:             cfg.Type,
		version:         1,
		format:          cfg.Format,
		props:           make(map[string]string),
		senderValidated: true,
	}
}

// Accessors. All return snapshots; none block.

func (k *Keg) ID() string { k.mu.Lock(); defer k.mu.Unlock(); return k.id }

func (k *Keg) Type() string { return k.cfg.Type }

func (k *Keg) Version() int64 { k.mu.Lock(); defer k.mu.Unlock(); return k.version }

func (k *Keg) CollectionVersion() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.collectionVersion
}

func (k *Keg) Format() int { k.mu.Lock(); defer k.mu.Unlock(); return k.format }

func (k *Keg) Owner() string { k.mu.Lock(); defer k.mu.Unlock(); return k.owner }

func (k *Keg) Loaded() bool { k.mu.Lock(); defer k.mu.Unlock(); return k.loaded }

func (k *Keg) Deleted() bool { k.mu.Lock(); defer k.mu.Unlock(); return k.deleted }

func (k *Keg) Dirty() bool { k.mu.Lock(); defer k.mu.Unlock(); return k.dirty }

// MarkDirty flags unsaved local mutations.
func (k *Keg) MarkDirty() { k.mu.Lock(); k.dirty = true; k.mu.Unlock() }

// IsEmpty reports whether the keg has never been saved with a payload.
func (k *Keg) IsEmpty() bool { k.mu.Lock(); defer k.mu.Unlock(); return k.version <= 1 }

// SignatureError returns the tri-state verification result: nil while
// unresolved, then a pointer to true (invalid) or false (valid).
func (k *Keg) SignatureError() *bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.signatureError == nil {
		return nil
	}
	v := *k.signatureError
	return &v
}

// SharedKegError returns the tri-state sender-validation result for a
// received shared keg.
func (k *Keg) SharedKegError() *bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sharedKegError == nil {
		return nil
	}
	v := *k.sharedKegError
	return &v
}

// DecryptionError reports whether the last load failed to decrypt.
func (k *Keg) DecryptionError() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.decryptionError
}

// LastLoadHadError reports whether the most recent load failed for any
// reason.
func (k *Keg) LastLoadHadError() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastLoadHadError
}

// Props returns a copy of the unencrypted props map.
func (k *Keg) Props() map[string]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]string, len(k.props))
	for key, v := range k.props {
		out[key] = v
	}
	return out
}

// SetProp sets one props entry and marks the keg dirty.
func (k *Keg) SetProp(key, value string) {
	k.mu.Lock()
	k.props[key] = value
	k.dirty = true
	k.mu.Unlock()
}

// signingApplies: forced, or encrypted outside the private scope.
func (k *Keg) signingApplies() bool {
	return k.cfg.ForceSign || (!k.cfg.Plaintext && !k.db.IsSelf())
}

// SaveToServer runs the save protocol: serialize, envelope, encrypt, sign,
// submit. Concurrent saves on the same instance are strictly serialized;
// a save during a load proceeds with a warning (last writer wins at the
// field level). Serialization or crypto failure rejects before anything
// is sent.
func (k *Keg) SaveToServer(ctx context.Context) error {
	k.mu.Lock()
	if k.loading {
		k.log.Warn(ctx, "saving while a load is in flight", "kegId", k.id)
	}
	if k.sharedBy != "" && !k.senderValidated {
		k.mu.Unlock()
		return ErrSharedKegPending
	}
	k.mu.Unlock()

	// wait for any in-flight save, then take the slot
	if err := k.state.Wait(ctx, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.saving {
			return false
		}
		k.saving = true
		return true
	}); err != nil {
		return err
	}
	defer func() {
		k.mu.Lock()
		k.saving = false
		k.mu.Unlock()
		k.state.Broadcast()
	}()

	k.mu.Lock()
	lastVersion := k.version
	id := k.id
	k.mu.Unlock()

	if id == "" {
		created, err := k.reserveID(ctx)
		if err != nil {
			return err
		}
		id = created
	}

	payload, props, keyID, err := k.serializeForSave(ctx, id)
	if err != nil {
		return fmt.Errorf("serializing keg %s: %w", id, err)
	}

	req := updateRequest{
		KegDBID: k.db.ID(),
		KegID:   id,
		KeyID:   keyID,
		Type:    k.typ,
		Payload: payload,
		Props:   props,
		Version: lastVersion + 1,
		Format:  k.cfg.Format,
	}
	raw, err := k.deps.Transport.Send(ctx, transport.RouteKegUpdate, req)
	if err != nil {
		return fmt.Errorf("saving keg %s: %w", id, err)
	}
	var resp updateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decoding save response for keg %s: %w", id, err)
	}

	k.mu.Lock()
	raced := lastVersion+1 <= k.version
	if !raced {
		k.version = lastVersion + 1
	}
	if resp.CollectionVersion != "" {
		k.collectionVersion = resp.CollectionVersion
	}
	k.dirty = false
	k.lastPayload = payload
	// a save under our own key supersedes any one-off sharing wrapping
	k.sharedBy = ""
	k.sharedSenderPK = nil
	k.senderValidated = true
	for _, p := range []string{propSharedBy, propSharedSenderPK, propSharedKegKey} {
		delete(k.props, p)
	}
	k.mu.Unlock()
	k.state.Broadcast()

	if raced {
		// the version moved under us during the round trip; the higher
		// value wins and the overlap is only visible here
		k.log.Warn(ctx, "keg version advanced concurrently during save",
			"kegId", id, "submitted", lastVersion+1, "current", k.Version())
	}

	if h, ok := k.codec.(SavedHook); ok {
		h.OnSaved()
	}
	return nil
}

// reserveID asks the server for a fresh keg id.
func (k *Keg) reserveID(ctx context.Context) (string, error) {
	raw, err := k.deps.Transport.Send(ctx, transport.RouteKegCreate, createRequest{
		KegDBID: k.db.ID(),
		Type:    k.typ,
	})
	if err != nil {
		return "", fmt.Errorf("reserving keg id: %w", err)
	}
	var resp createResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decoding keg id reservation: %w", err)
	}
	if resp.KegID == "" {
		return "", fmt.Errorf("%w: server returned empty keg id", common.ErrInternal)
	}
	k.mu.Lock()
	k.id = resp.KegID
	k.mu.Unlock()
	return resp.KegID, nil
}

// serializeForSave produces the wire payload and props. Everything here
// runs before any network submission.
func (k *Keg) serializeForSave(ctx context.Context, id string) (payload []byte, props map[string]string, keyID string, err error) {
	body, err := k.codec.SerializeKegPayload(ctx)
	if err != nil {
		return nil, nil, "", err
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, nil, "", err
	}

	props = k.Props()
	for _, p := range []string{propSharedBy, propSharedSenderPK, propSharedKegKey, propSignature, propPropsSignature} {
		delete(props, p)
	}
	if pc, ok := k.codec.(PropsCodec); ok {
		for key, v := range pc.SerializeProps() {
			props[key] = v
		}
	}

	signing := k.signingApplies()

	var plainBytes []byte
	if !k.cfg.Plaintext || signing {
		env, err := json.Marshal(payloadEnvelope{
			Sys:  sysEnvelope{KegID: id, Type: k.typ},
			Body: bodyJSON,
		})
		if err != nil {
			return nil, nil, "", err
		}
		plainBytes = env
	} else {
		plainBytes = bodyJSON
	}

	if k.cfg.Plaintext {
		payload = plainBytes
	} else {
		var key []byte
		if k.cfg.OverrideKey != nil {
			key = k.cfg.OverrideKey
		} else {
			key, keyID, err = k.db.CurrentKey(ctx)
			if err != nil {
				return nil, nil, "", fmt.Errorf("resolving database key: %w", err)
			}
		}
		payload, err = cryptox.SymmetricEncrypt(plainBytes, key)
		if err != nil {
			return nil, nil, "", err
		}
	}

	if signing {
		if k.deps.SigningKeys == nil {
			return nil, nil, "", errors.New("signing required but no signing keys configured")
		}
		sig, err := cryptox.Sign(payload, k.deps.SigningKeys.Secret)
		if err != nil {
			return nil, nil, "", err
		}
		props[propSignature] = base64.StdEncoding.EncodeToString(sig)
		if k.cfg.SignWithUsername {
			props[propSignedBy] = k.deps.Username
		}
		if k.cfg.Plaintext {
			// props travel outside the signed payload; sign them separately
			psig, err := cryptox.Sign(propsDigest(props), k.deps.SigningKeys.Secret)
			if err != nil {
				return nil, nil, "", err
			}
			props[propPropsSignature] = base64.StdEncoding.EncodeToString(psig)
		}
	}

	return payload, props, keyID, nil
}

// propsDigest builds a deterministic byte representation of props for
// signing, excluding the signature entries themselves.
func propsDigest(props map[string]string) []byte {
	keys := make([]string, 0, len(props))
	for key := range props {
		if key == propSignature || key == propPropsSignature {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(props[key])
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// Load fetches the keg from the server and hydrates this instance.
// Concurrent loads coalesce; a load during a save waits for the save so it
// never reads a value mid-write. Failures set flags and return an error so
// batch callers can skip bad records without aborting.
func (k *Keg) Load(ctx context.Context) error {
	if err := k.acquireLoad(ctx); err != nil {
		return err
	}
	defer k.releaseLoad()

	k.mu.Lock()
	id := k.id
	k.mu.Unlock()

	raw, err := k.deps.Transport.Send(ctx, transport.RouteKegGet, getRequest{
		KegDBID: k.db.ID(),
		KegID:   id,
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) && k.cfg.AllowEmpty {
			k.mu.Lock()
			k.loaded = true
			k.lastLoadHadError = false
			k.mu.Unlock()
			k.state.Broadcast()
			return nil
		}
		return k.failLoad(ctx, fmt.Errorf("fetching keg %s: %w", id, err))
	}

	var w WireKeg
	if err := json.Unmarshal(raw, &w); err != nil {
		return k.failLoad(ctx, fmt.Errorf("decoding keg %s: %w", id, err))
	}
	return k.hydrate(ctx, &w)
}

// LoadFromKeg hydrates this instance from already-fetched wire data, e.g.
// out of a collection listing.
func (k *Keg) LoadFromKeg(ctx context.Context, w *WireKeg) error {
	if err := k.acquireLoad(ctx); err != nil {
		return err
	}
	defer k.releaseLoad()
	return k.hydrate(ctx, w)
}

func (k *Keg) acquireLoad(ctx context.Context) error {
	return k.state.Wait(ctx, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.saving || k.loading {
			return false
		}
		k.loading = true
		return true
	})
}

func (k *Keg) releaseLoad() {
	k.mu.Lock()
	k.loading = false
	k.mu.Unlock()
	k.state.Broadcast()
}

func (k *Keg) failLoad(ctx context.Context, err error) error {
	k.mu.Lock()
	k.lastLoadHadError = true
	k.mu.Unlock()
	k.log.Warn(ctx, "keg load failed", "kegId", k.ID(), "error", err)
	return err
}

func (k *Keg) hydrate(ctx context.Context, w *WireKeg) error {
	k.mu.Lock()
	expected := k.id
	k.mu.Unlock()
	if expected != "" && w.KegID != expected {
		return k.failLoad(ctx, fmt.Errorf("%w: fetched keg id %q, expected %q",
			common.ErrInternal, w.KegID, expected))
	}

	k.mu.Lock()
	k.id = w.KegID
	k.version = w.Version
	k.format = w.Format
	k.owner = w.Owner
	k.deleted = w.Deleted
	k.collectionVersion = w.CollectionVersion
	if w.CreatedAt != 0 {
		k.createdAt = time.UnixMilli(w.CreatedAt)
	}
	if w.UpdatedAt != 0 {
		k.updatedAt = time.UnixMilli(w.UpdatedAt)
	}
	k.props = make(map[string]string, len(w.Props))
	for key, v := range w.Props {
		k.props[key] = v
	}
	k.decryptionError = false
	sharedBy := w.Props[propSharedBy]
	var senderPK []byte
	if b64 := w.Props[propSharedSenderPK]; b64 != "" {
		pk, err := base64.StdEncoding.DecodeString(b64)
		if err == nil {
			senderPK = pk
		}
	}
	k.sharedBy = sharedBy
	k.sharedSenderPK = senderPK
	k.senderValidated = sharedBy == ""
	k.mu.Unlock()

	if pc, ok := k.codec.(PropsCodec); ok {
		pc.DeserializeProps(k.Props())
	}

	if len(w.Payload) == 0 {
		if !k.cfg.AllowEmpty {
			return k.failLoad(ctx, fmt.Errorf("keg %s: %w", w.KegID, ErrEmptyKeg))
		}
		k.mu.Lock()
		k.loaded = true
		k.lastLoadHadError = false
		k.mu.Unlock()
		k.state.Broadcast()
		return nil
	}

	plainBytes, err := k.decryptPayload(ctx, w)
	if err != nil {
		if errors.Is(err, cryptox.ErrDecryption) {
			k.mu.Lock()
			k.decryptionError = true
			k.mu.Unlock()
		}
		return k.failLoad(ctx, fmt.Errorf("keg %s: %w", w.KegID, err))
	}

	body := json.RawMessage(plainBytes)
	hasSignature := w.Props[propSignature] != ""
	if !k.cfg.Plaintext || hasSignature {
		var env payloadEnvelope
		if err := json.Unmarshal(plainBytes, &env); err != nil {
			return k.failLoad(ctx, fmt.Errorf("keg %s: decoding payload envelope: %w", w.KegID, err))
		}
		if env.Sys.KegID != w.KegID || env.Sys.Type != k.typ {
			return k.failLoad(ctx, fmt.Errorf(
				"keg %s: payload claims kegId=%q type=%q: %w",
				w.KegID, env.Sys.KegID, env.Sys.Type, ErrAntiTamper))
		}
		body = env.Body
	}

	if err := k.codec.DeserializeKegPayload(body); err != nil {
		return k.failLoad(ctx, fmt.Errorf("keg %s: deserializing payload: %w", w.KegID, err))
	}
	if dc, ok := k.codec.(DescriptorCodec); ok {
		if desc := w.Props[propDescriptor]; desc != "" {
			if err := dc.DeserializeDescriptor(desc); err != nil {
				return k.failLoad(ctx, fmt.Errorf("keg %s: deserializing descriptor: %w", w.KegID, err))
			}
		}
	}

	k.mu.Lock()
	k.loaded = true
	k.lastLoadHadError = false
	k.lastPayload = append([]byte(nil), w.Payload...)
	k.mu.Unlock()
	k.state.Broadcast()

	// verification is deliberately decoupled from the load result: it
	// needs a signer lookup that may be slow, and only ever sets flags
	if hasSignature || k.signingApplies() {
		go k.verifySignature(w)
	}
	if k.sharedByUnvalidated() {
		go k.validateSharedSender()
	}
	return nil
}

func (k *Keg) sharedByUnvalidated() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sharedBy != "" && !k.senderValidated
}

// decryptPayload resolves the right key for the fetched record and
// decrypts. Received shared kegs use the sender's public key instead of
// the database key.
func (k *Keg) decryptPayload(ctx context.Context, w *WireKeg) ([]byte, error) {
	if k.cfg.Plaintext {
		return w.Payload, nil
	}

	k.mu.Lock()
	sharedBy := k.sharedBy
	senderPK := k.sharedSenderPK
	k.mu.Unlock()

	if sharedBy != "" && senderPK != nil {
		if k.deps.EncryptionKeys == nil {
			return nil, errors.New("received shared keg but no encryption keys configured")
		}
		if wrapped := w.Props[propSharedKegKey]; wrapped != "" {
			// per-payload key, itself wrapped for us by the sender
			blob, err := base64.StdEncoding.DecodeString(wrapped)
			if err != nil {
				return nil, fmt.Errorf("decoding shared keg key: %w", err)
			}
			key, err := cryptox.AsymmetricDecrypt(blob, senderPK, k.deps.EncryptionKeys.Secret)
			if err != nil {
				return nil, err
			}
			return cryptox.SymmetricDecrypt(w.Payload, key)
		}
		return cryptox.AsymmetricDecrypt(w.Payload, senderPK, k.deps.EncryptionKeys.Secret)
	}

	var key []byte
	if k.cfg.OverrideKey != nil {
		key = k.cfg.OverrideKey
	} else {
		var err error
		key, err = k.db.Key(ctx, w.KeyID, k.cfg.KeyWaitTimeout)
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, fmt.Errorf("%w: key id %q", ErrNoKey, w.KeyID)
		}
	}
	return cryptox.SymmetricDecrypt(w.Payload, key)
}

// verifySignature resolves the signer and checks the detached signature,
// recording the result in the tri-state flag. Never fails the load.
func (k *Keg) verifySignature(w *WireKeg) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	signer := w.Props[propSignedBy]
	if signer == "" {
		signer = w.Owner
	}

	failed := true
	sigB64 := w.Props[propSignature]
	if signer != "" && sigB64 != "" {
		contact, err := k.deps.Contacts.Lookup(ctx, signer)
		if err == nil && !contact.NotFound {
			sig, err := base64.StdEncoding.DecodeString(sigB64)
			if err == nil {
				failed = !cryptox.Verify(w.Payload, sig, contact.SigningPublicKey)
			}
			if !failed && k.cfg.Plaintext {
				// props travel outside the signed payload and carry their
				// own signature; a missing one counts as invalid
				failed = !verifyPropsSignature(w.Props, contact.SigningPublicKey)
			}
		}
	}

	k.mu.Lock()
	k.signatureError = &failed
	k.mu.Unlock()
	k.state.Broadcast()

	if failed {
		k.log.Warn(ctx, "keg signature verification failed", "kegId", w.KegID, "signer", signer)
		k.deps.Warnings.Warn(warnings.Warning{
			LocaleKey: "warning_keg_signature_invalid",
			Args:      map[string]string{"type": k.typ},
		})
	}
}

// verifyPropsSignature checks the detached signature over the sorted props
// digest. Plaintext kegs sign their props separately because props are
// mutable server-side storage outside the payload.
func verifyPropsSignature(props map[string]string, signingPublicKey []byte) bool {
	psigB64 := props[propPropsSignature]
	if psigB64 == "" {
		return false
	}
	psig, err := base64.StdEncoding.DecodeString(psigB64)
	if err != nil {
		return false
	}
	return cryptox.Verify(propsDigest(props), psig, signingPublicKey)
}

// validateSharedSender checks that the claimed sender's public key matches
// the directory's record; a compromised server must not be able to
// substitute a fake sender. Until validation passes, re-saving is refused.
func (k *Keg) validateSharedSender() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	k.mu.Lock()
	sharedBy := k.sharedBy
	senderPK := k.sharedSenderPK
	k.mu.Unlock()

	valid := false
	contact, err := k.deps.Contacts.Lookup(ctx, sharedBy)
	if err == nil && !contact.NotFound {
		valid = bytes.Equal(contact.EncryptionPublicKey, senderPK)
	}

	failed := !valid
	k.mu.Lock()
	k.sharedKegError = &failed
	k.senderValidated = valid
	k.mu.Unlock()
	k.state.Broadcast()

	if !valid {
		k.log.Error(ctx, "shared keg sender validation failed", "kegId", k.ID(), "sharedBy", sharedBy)
		k.deps.Warnings.Warn(warnings.Warning{
			LocaleKey: "warning_shared_keg_invalid_sender",
			Args:      map[string]string{"type": k.typ},
		})
		return
	}

	if k.cfg.ReencryptShared {
		// amortized lazily: the first valid read re-encrypts under our key
		if err := k.SaveToServer(ctx); err != nil {
			k.log.Warn(ctx, "shared keg re-encryption failed", "kegId", k.ID(), "error", err)
		}
	}
}

// Remove marks the keg deleted server-side. The local instance survives
// with its deleted flag set; kegs are never physically removed client-side.
func (k *Keg) Remove(ctx context.Context) error {
	k.mu.Lock()
	id := k.id
	k.mu.Unlock()
	if id == "" {
		return errors.New("cannot remove a keg that was never saved")
	}
	_, err := k.deps.Transport.Send(ctx, transport.RouteKegDelete, deleteRequest{
		KegDBID: k.db.ID(),
		KegID:   id,
	})
	if err != nil {
		return fmt.Errorf("deleting keg %s: %w", id, err)
	}
	k.mu.Lock()
	k.deleted = true
	k.mu.Unlock()
	k.state.Broadcast()
	return nil
}

// WaitSignatureResolved blocks until asynchronous signature verification
// has produced a result or ctx is done. Test and batch tooling use it.
func (k *Keg) WaitSignatureResolved(ctx context.Context) error {
	return k.state.Wait(ctx, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return k.signatureError != nil
	})
}

// WaitSenderValidated blocks until shared sender validation has produced a
// result or ctx is done.
func (k *Keg) WaitSenderValidated(ctx context.Context) error {
	return k.state.Wait(ctx, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return k.sharedKegError != nil || k.senderValidated
	})
}

// stateSnapshot captures the serialized payload and props for rollback.
type stateSnapshot struct {
	body  json.RawMessage
	props map[string]string
}

func (k *Keg) snapshotState(ctx context.Context) (*stateSnapshot, error) {
	body, err := k.codec.SerializeKegPayload(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &stateSnapshot{body: raw, props: k.Props()}, nil
}

func (k *Keg) restoreState(s *stateSnapshot) error {
	if err := k.codec.DeserializeKegPayload(s.body); err != nil {
		return err
	}
	k.mu.Lock()
	k.props = make(map[string]string, len(s.props))
	for key, v := range s.props {
		k.props[key] = v
	}
	k.mu.Unlock()
	if pc, ok := k.codec.(PropsCodec); ok {
		pc.DeserializeProps(s.props)
	}
	return nil
}
