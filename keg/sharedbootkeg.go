package keg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/cryptox"
	"github.com/mkravchenko/kegsync/keg/internal/syncx"
)

// AdminRole is the only role a shared database currently supports.
const AdminRole = "admin"

// sharedBootFormat is the current payload schema: a history of key
// generations, each wrapped per participant. Format 0 (a single key with
// a flat recipient map) is upgraded in memory on load.
const sharedBootFormat = 1

// sharedWrappedKey is one participant's copy of a generation key,
// asymmetrically wrapped under a fresh ephemeral keypair.
type sharedWrappedKey struct {
	Key       []byte `json:"key"`
	PublicKey []byte `json:"publicKey"`
}

type sharedGenerationWire struct {
	CreatedAt int64                       `json:"createdAt"`
	Keys      map[string]sharedWrappedKey `json:"keys"`
}

type sharedPayloadV1 struct {
	Roles         map[string][]string             `json:"roles"`
	EncryptedKeys map[string]sharedGenerationWire `json:"encryptedKeys"`
}

type sharedPayloadV0 struct {
	Roles        map[string][]string         `json:"roles"`
	CreatedAt    int64                       `json:"createdAt"`
	EncryptedKey map[string]sharedWrappedKey `json:"encryptedKey"`
}

// sharedGeneration is the in-memory view of one key generation. key is
// nil when this account cannot decrypt the generation (it predates the
// account's membership); such generations are carried through saves
// verbatim, never re-wrapped.
type sharedGeneration struct {
	createdAt    time.Time
	key          []byte
	participants map[string]struct{}
	wire         sharedGenerationWire
}

// SharedBootKeg bootstraps and rotates the symmetric key of a multi-party
// database. The keg itself is plaintext and signed; each generation key
// inside is individually wrapped per participant.
type SharedBootKeg struct {
	keg  *Keg
	db   *Database
	deps Deps

	mu          sync.Mutex
	admins      map[string]struct{}
	generations map[string]*sharedGeneration
	kegKey      []byte
	kegKeyID    string

	state *syncx.Broadcaster
}

// NewSharedBootKeg binds a shared boot keg to db. The deps must carry the
// account's encryption keys (to unwrap generations) and signing keys (the
// keg is always signed).
func NewSharedBootKeg(db *Database, deps Deps) *SharedBootKeg {
	s := &SharedBootKeg{
		db:          db,
		deps:        deps,
		admins:      make(map[string]struct{}),
		generations: make(map[string]*sharedGeneration),
		state:       syncx.NewBroadcaster(),
	}
	s.keg = New(db, deps, Config{
		ID:               BootKegID,
		Type:             BootKegID,
		Plaintext:        true,
		ForceSign:        true,
		SignWithUsername: true,
		Format:           sharedBootFormat,
	}, s)
	db.SetBoot(s)
	return s
}

// Keg exposes the underlying engine.
func (s *SharedBootKeg) Keg() *Keg { return s.keg }

// Load fetches the shared boot keg and publishes the latest decryptable
// generation as the database's current key.
func (s *SharedBootKeg) Load(ctx context.Context) error {
	if err := s.keg.Load(ctx); err != nil {
		return err
	}
	s.recomputeActive()
	return nil
}

// Create seeds a new shared database: the creator is the first admin and
// sole participant of generation "0". Saves immediately.
func (s *SharedBootKeg) Create(ctx context.Context) error {
	s.mu.Lock()
	s.admins[s.deps.Username] = struct{}{}
	s.mu.Unlock()
	if err := s.AddKey(); err != nil {
		return err
	}
	if err := s.keg.SaveToServer(ctx); err != nil {
		return fmt.Errorf("creating shared boot keg: %w", err)
	}
	return nil
}

// AddKey appends a fresh key generation carrying forward the current
// participant set. Refused while a previous rotation is still unsaved:
// an unsaved generation exists only locally and other participants cannot
// decrypt it yet, so stacking another on top would compound the gap.
func (s *SharedBootKeg) AddKey() error {
	if s.keg.Dirty() {
		return ErrPendingRotation
	}
	key, err := common.GenerateRandBytes(cryptox.KeySize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	participants := make(map[string]struct{})
	if latest := s.latestGenerationLocked(); latest != nil {
		for u := range latest.participants {
			participants[u] = struct{}{}
		}
	} else {
		participants[s.deps.Username] = struct{}{}
	}
	next := strconv.Itoa(s.maxGenerationLocked() + 1)
	if len(s.generations) == 0 {
		next = FirstKeyGeneration
	}
	s.generations[next] = &sharedGeneration{
		createdAt:    time.Now(),
		key:          key,
		participants: participants,
	}
	s.mu.Unlock()
	s.state.Broadcast()
	s.keg.MarkDirty()
	return nil
}

// AddParticipant grants username access starting from the latest
// generation. Older generations are never re-wrapped for new
// participants; history stays closed unless explicitly re-keyed.
func (s *SharedBootKeg) AddParticipant(username string) error {
	s.mu.Lock()
	latest := s.latestGenerationLocked()
	if latest == nil {
		s.mu.Unlock()
		return errors.New("shared boot keg has no key generation yet")
	}
	if latest.key == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot extend a generation we cannot decrypt", ErrNoKey)
	}
	latest.participants[username] = struct{}{}
	s.mu.Unlock()
	s.keg.MarkDirty()
	return nil
}

// RemoveParticipant revokes username from the latest generation. Callers
// that need forward secrecy should AddKey afterwards so future payloads
// use a key the removed participant never saw.
func (s *SharedBootKeg) RemoveParticipant(username string) error {
	s.mu.Lock()
	latest := s.latestGenerationLocked()
	if latest == nil {
		s.mu.Unlock()
		return errors.New("shared boot keg has no key generation yet")
	}
	delete(latest.participants, username)
	s.mu.Unlock()
	s.keg.MarkDirty()
	return nil
}

// Participants returns the latest generation's member list, sorted.
func (s *SharedBootKeg) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := s.latestGenerationLocked()
	if latest == nil {
		return nil
	}
	out := make([]string, 0, len(latest.participants))
	for u := range latest.participants {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Admins returns the admin list, sorted.
func (s *SharedBootKeg) Admins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.admins))
	for u := range s.admins {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// AssignRole grants a role. Only AdminRole exists today.
func (s *SharedBootKeg) AssignRole(username, role string) error {
	if role != AdminRole {
		return fmt.Errorf("unknown role %q", role)
	}
	s.mu.Lock()
	s.admins[username] = struct{}{}
	s.mu.Unlock()
	s.keg.MarkDirty()
	return nil
}

// UnassignRole revokes a role. Removing the last admin is refused and
// leaves the admin set unchanged: a shared database must stay manageable.
func (s *SharedBootKeg) UnassignRole(username, role string) error {
	if role != AdminRole {
		return fmt.Errorf("unknown role %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[username]; !ok {
		return nil
	}
	if len(s.admins) == 1 {
		return ErrLastAdmin
	}
	delete(s.admins, username)
	s.keg.MarkDirty()
	return nil
}

// KegKey returns the active encryption key and its generation id, or nil
// when no generation is decryptable yet.
func (s *SharedBootKeg) KegKey() ([]byte, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kegKey, s.kegKeyID
}

// GetKey resolves a key generation, waiting up to timeout. A nil key with
// a nil error means unavailable (timed out, or not wrapped for us).
func (s *SharedBootKeg) GetKey(ctx context.Context, keyID string, timeout time.Duration) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.state.Wait(waitCtx, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		gen, ok := s.generations[keyID]
		return ok && gen.key != nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.generations[keyID]
	out := make([]byte, len(gen.key))
	copy(out, gen.key)
	return out, nil
}

func (s *SharedBootKeg) latestGenerationLocked() *sharedGeneration {
	if len(s.generations) == 0 {
		return nil
	}
	return s.generations[strconv.Itoa(s.maxGenerationLocked())]
}

func (s *SharedBootKeg) maxGenerationLocked() int {
	highest := 0
	for id := range s.generations {
		if n, err := strconv.Atoi(id); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// recomputeActive publishes the highest decryptable generation. Called
// after load and after save, never optimistically for unsaved rotations.
func (s *SharedBootKeg) recomputeActive() {
	s.mu.Lock()
	bestID := -1
	var bestKey []byte
	for id, gen := range s.generations {
		if gen.key == nil {
			continue
		}
		if n, err := strconv.Atoi(id); err == nil && n > bestID {
			bestID = n
			bestKey = gen.key
		}
	}
	if bestID < 0 {
		s.mu.Unlock()
		return
	}
	id := strconv.Itoa(bestID)
	s.kegKey = bestKey
	s.kegKeyID = id
	s.mu.Unlock()

	s.db.SetCurrentKey(bestKey, id)
	s.state.Broadcast()
}

// PayloadCodec implementation.

// SerializeKegPayload wraps every decryptable generation's key for each of
// that generation's participants under a fresh ephemeral keypair. One
// participant whose public key cannot be resolved aborts the whole save;
// silently omitting them would lock them out. Generations this account
// cannot decrypt are carried through verbatim.
func (s *SharedBootKeg) SerializeKegPayload(ctx context.Context) (any, error) {
	s.mu.Lock()
	roles := map[string][]string{AdminRole: {}}
	for u := range s.admins {
		roles[AdminRole] = append(roles[AdminRole], u)
	}
	sort.Strings(roles[AdminRole])

	type genSnapshot struct {
		id           string
		createdAt    int64
		key          []byte
		participants []string
		wire         sharedGenerationWire
	}
	gens := make([]genSnapshot, 0, len(s.generations))
	for id, gen := range s.generations {
		snap := genSnapshot{id: id, createdAt: gen.createdAt.UnixMilli(), key: gen.key, wire: gen.wire}
		for u := range gen.participants {
			snap.participants = append(snap.participants, u)
		}
		gens = append(gens, snap)
	}
	s.mu.Unlock()

	payload := sharedPayloadV1{
		Roles:         roles,
		EncryptedKeys: make(map[string]sharedGenerationWire, len(gens)),
	}
	for _, gen := range gens {
		if gen.key == nil {
			payload.EncryptedKeys[gen.id] = gen.wire
			continue
		}
		wire := sharedGenerationWire{
			CreatedAt: gen.createdAt,
			Keys:      make(map[string]sharedWrappedKey, len(gen.participants)),
		}
		for _, username := range gen.participants {
			contact, err := s.deps.Contacts.Lookup(ctx, username)
			if err != nil {
				return nil, fmt.Errorf("resolving participant %s: %w", username, err)
			}
			if contact.NotFound || len(contact.EncryptionPublicKey) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrParticipantNotLoaded, username)
			}
			eph, err := cryptox.GenerateEncryptionKeyPair()
			if err != nil {
				return nil, err
			}
			wrapped, err := cryptox.AsymmetricEncrypt(gen.key, contact.EncryptionPublicKey, eph.Secret)
			if err != nil {
				return nil, fmt.Errorf("wrapping key for %s: %w", username, err)
			}
			wire.Keys[username] = sharedWrappedKey{Key: wrapped, PublicKey: eph.Public}
		}
		payload.EncryptedKeys[gen.id] = wire
	}
	return payload, nil
}

// DeserializeKegPayload dispatches on the keg's format tag: format 0 is
// the legacy single-key layout, upgraded into generation "0"; format 1 is
// the generation history.
func (s *SharedBootKeg) DeserializeKegPayload(body json.RawMessage) error {
	switch s.keg.Format() {
	case 0:
		var p sharedPayloadV0
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("decoding shared boot keg (format 0): %w", err)
		}
		return s.apply(p.Roles, map[string]sharedGenerationWire{
			FirstKeyGeneration: {CreatedAt: p.CreatedAt, Keys: p.EncryptedKey},
		})
	case sharedBootFormat:
		var p sharedPayloadV1
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("decoding shared boot keg: %w", err)
		}
		return s.apply(p.Roles, p.EncryptedKeys)
	default:
		return fmt.Errorf("unsupported shared boot keg format %d", s.keg.Format())
	}
}

func (s *SharedBootKeg) apply(roles map[string][]string, wires map[string]sharedGenerationWire) error {
	me := s.deps.Username

	generations := make(map[string]*sharedGeneration, len(wires))
	for id, wire := range wires {
		gen := &sharedGeneration{
			createdAt:    time.UnixMilli(wire.CreatedAt),
			participants: make(map[string]struct{}, len(wire.Keys)),
			wire:         wire,
		}
		for username := range wire.Keys {
			gen.participants[username] = struct{}{}
		}
		if mine, ok := wire.Keys[me]; ok {
			if s.deps.EncryptionKeys == nil {
				return errors.New("shared boot keg requires encryption keys to unwrap")
			}
			key, err := cryptox.AsymmetricDecrypt(mine.Key, mine.PublicKey, s.deps.EncryptionKeys.Secret)
			if err != nil {
				return fmt.Errorf("unwrapping key generation %s: %w", id, err)
			}
			gen.key = key
		}
		generations[id] = gen
	}

	admins := make(map[string]struct{}, len(roles[AdminRole]))
	for _, u := range roles[AdminRole] {
		admins[u] = struct{}{}
	}

	s.mu.Lock()
	s.generations = generations
	s.admins = admins
	s.mu.Unlock()
	s.state.Broadcast()
	return nil
}

// OnSaved promotes the newest saved generation to active. The promotion
// happens only here: an unsaved generation exists only locally and must
// never become the encryption key other participants are expected to have.
func (s *SharedBootKeg) OnSaved() {
	s.recomputeActive()
}
