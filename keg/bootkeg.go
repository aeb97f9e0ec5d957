package keg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/cryptox"
	"github.com/mkravchenko/kegsync/keg/internal/syncx"
)

// BootKegID names the pre-created keg that bootstraps a database's keys.
const BootKegID = "boot"

// FirstKeyGeneration is the key id seeded at account creation.
const FirstKeyGeneration = "0"

type bootKeyGeneration struct {
	Key       []byte `json:"key"`
	CreatedAt int64  `json:"createdAt"`
}

type bootPayload struct {
	SigningPublicKey    []byte                       `json:"signingPublicKey"`
	SigningSecretKey    []byte                       `json:"signingSecretKey"`
	EncryptionPublicKey []byte                       `json:"encryptionPublicKey"`
	EncryptionSecretKey []byte                       `json:"encryptionSecretKey"`
	Keys                map[string]bootKeyGeneration `json:"keys"`
}

// BootKeg is the single-owner boot keg of a private database: it holds the
// owner's signing and encryption keypairs and the history of symmetric key
// generations, encrypted under the passphrase-derived boot key.
type BootKeg struct {
	keg *Keg
	db  *Database

	mu             sync.Mutex
	signingKeys    *cryptox.SigningKeyPair
	encryptionKeys *cryptox.KeyPair
	keys           map[string]bootKeyGeneration

	state *syncx.Broadcaster
}

// NewBootKeg binds a boot keg to db. bootKey is the passphrase-derived
// symmetric key; the boot keg is the one keg encrypted with it rather
// than with a database key.
func NewBootKeg(db *Database, deps Deps, bootKey []byte) *BootKeg {
	b := &BootKeg{
		db:    db,
		keys:  make(map[string]bootKeyGeneration),
		state: syncx.NewBroadcaster(),
	}
	b.keg = New(db, deps, Config{
		ID:          BootKegID,
		Type:        BootKegID,
		OverrideKey: bootKey,
	}, b)
	db.SetBoot(b)
	return b
}

// Keg exposes the underlying engine.
func (b *BootKeg) Keg() *Keg { return b.keg }

// Load fetches and decrypts the boot keg, then publishes the latest key
// generation as the database's current key.
func (b *BootKeg) Load(ctx context.Context) error {
	if err := b.keg.Load(ctx); err != nil {
		return err
	}
	b.applyCurrentKey()
	return nil
}

// Create seeds a brand-new boot keg: fresh signing and encryption
// keypairs plus key generation "0", saved immediately.
func (b *BootKeg) Create(ctx context.Context) error {
	signingKeys, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		return err
	}
	encryptionKeys, err := cryptox.GenerateEncryptionKeyPair()
	if err != nil {
		return err
	}
	firstKey, err := common.GenerateRandBytes(cryptox.KeySize)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.signingKeys = signingKeys
	b.encryptionKeys = encryptionKeys
	b.keys = map[string]bootKeyGeneration{
		FirstKeyGeneration: {Key: firstKey, CreatedAt: time.Now().UnixMilli()},
	}
	b.mu.Unlock()
	b.state.Broadcast()

	if err := b.keg.SaveToServer(ctx); err != nil {
		return fmt.Errorf("creating boot keg: %w", err)
	}
	return nil
}

// AddKey appends the next key generation locally; it becomes current only
// after a successful save.
func (b *BootKeg) AddKey() error {
	key, err := common.GenerateRandBytes(cryptox.KeySize)
	if err != nil {
		return err
	}
	b.mu.Lock()
	next := strconv.Itoa(maxGenerationLocked(b.keys) + 1)
	b.keys[next] = bootKeyGeneration{Key: key, CreatedAt: time.Now().UnixMilli()}
	b.mu.Unlock()
	b.keg.MarkDirty()
	return nil
}

// SigningKeys returns the owner's signing keypair once loaded.
func (b *BootKeg) SigningKeys() *cryptox.SigningKeyPair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signingKeys
}

// EncryptionKeys returns the owner's encryption keypair once loaded.
func (b *BootKeg) EncryptionKeys() *cryptox.KeyPair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encryptionKeys
}

// GetKey resolves a key generation, waiting up to timeout for a generation
// that another session may have just created. A nil key with a nil error
// means the generation is unavailable; callers must not treat it as an
// empty key.
func (b *BootKeg) GetKey(ctx context.Context, keyID string, timeout time.Duration) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := b.state.Wait(waitCtx, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, ok := b.keys[keyID]
		return ok
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.keys[keyID]
	out := make([]byte, len(gen.Key))
	copy(out, gen.Key)
	return out, nil
}

// applyCurrentKey publishes the highest-numbered generation to the database.
func (b *BootKeg) applyCurrentKey() {
	b.mu.Lock()
	id := strconv.Itoa(maxGenerationLocked(b.keys))
	gen, ok := b.keys[id]
	b.mu.Unlock()
	if ok {
		b.db.SetCurrentKey(gen.Key, id)
	}
}

func maxGenerationLocked(keys map[string]bootKeyGeneration) int {
	highest := 0
	for id := range keys {
		if n, err := strconv.Atoi(id); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// PayloadCodec implementation.

func (b *BootKeg) SerializeKegPayload(ctx context.Context) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signingKeys == nil || b.encryptionKeys == nil || len(b.keys) == 0 {
		return nil, errors.New("boot keg has no key material to save")
	}
	p := bootPayload{
		SigningPublicKey:    b.signingKeys.Public,
		SigningSecretKey:    b.signingKeys.Secret,
		EncryptionPublicKey: b.encryptionKeys.Public,
		EncryptionSecretKey: b.encryptionKeys.Secret,
		Keys:                make(map[string]bootKeyGeneration, len(b.keys)),
	}
	for id, gen := range b.keys {
		p.Keys[id] = gen
	}
	return p, nil
}

func (b *BootKeg) DeserializeKegPayload(body json.RawMessage) error {
	var p bootPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("decoding boot keg payload: %w", err)
	}
	b.mu.Lock()
	b.signingKeys = &cryptox.SigningKeyPair{Public: p.SigningPublicKey, Secret: p.SigningSecretKey}
	b.encryptionKeys = &cryptox.KeyPair{Public: p.EncryptionPublicKey, Secret: p.EncryptionSecretKey}
	b.keys = p.Keys
	if b.keys == nil {
		b.keys = make(map[string]bootKeyGeneration)
	}
	b.mu.Unlock()
	b.state.Broadcast()
	return nil
}

func (b *BootKeg) OnSaved() {
	b.applyCurrentKey()
}
