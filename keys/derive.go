// Package keys derives the key material an account needs: the boot key and
// authentication keypair from a passphrase, ephemeral keypairs for one-off
// identities, and local passcode wrapping keys.
package keys

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"

	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/cryptox"
)

// Argon2id cost parameters, version 1. Changing any of these breaks every
// previously derived key, so they are fixed constants; a new cost profile
// means a new version with migration, never an in-place edit.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
)

// Reduced cost for test environments. Selected only via SetTestVectorMode,
// never by runtime heuristics.
const (
	kdfTestTime   = 1
	kdfTestMemory = 8 * 1024
)

// Personalization keys for the blake2b prehash. Distinct values keep the
// derivation domains separated.
var (
	personaPassphrase = []byte("kegsync.passphrase.v1")
	personaAuthKey    = []byte("kegsync.authkeyhash.v1")
)

var (
	// ErrEmptyInput is returned when username or passphrase is empty.
	ErrEmptyInput = errors.New("empty derivation input")
)

var testVectorMode bool

// SetTestVectorMode switches the KDF to reduced cost parameters. It exists
// strictly for test environments; production code must never call it.
func SetTestVectorMode(on bool) { testVectorMode = on }

// AccountKeys is the persistent key material derived from account credentials.
type AccountKeys struct {
	// BootKey is the symmetric key protecting the account's private boot keg.
	BootKey []byte
	// AuthKeyPair is the curve25519 keypair used to authenticate to the server.
	AuthKeyPair *cryptox.KeyPair
}

// DeriveAccountKeys deterministically derives the boot key and auth keypair
// from a username/passphrase/salt triple.
//
// The passphrase is first normalized with a personalized blake2b hash, the
// salt is bound to the username (username || salt) to prevent cross-user
// precomputation, and the result is fed to argon2id producing 64 bytes:
// bytes [0:32) become the boot key, bytes [32:64) the secret of the auth
// keypair.
func DeriveAccountKeys(username, passphrase string, salt []byte) (*AccountKeys, error) {
	if username == "" || passphrase == "" {
		return nil, ErrEmptyInput
	}
	prehashed, err := prehash([]byte(passphrase), personaPassphrase)
	if err != nil {
		return nil, err
	}

	compositeSalt := append([]byte(username), salt...)
	derived := kdf(prehashed, compositeSalt, 64)

	keyPair, err := keyPairFromSecret(derived[32:64])
	if err != nil {
		return nil, err
	}
	return &AccountKeys{
		BootKey:     derived[0:32],
		AuthKeyPair: keyPair,
	}, nil
}

// DeriveEphemeralKeys derives a disposable curve25519 keypair from a salt
// and passphrase. Used for non-persistent identities.
func DeriveEphemeralKeys(salt, passphrase []byte) (*cryptox.KeyPair, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyInput
	}
	prehashed, err := prehash(passphrase, personaPassphrase)
	if err != nil {
		return nil, err
	}
	secret := kdf(prehashed, salt, 32)
	return keyPairFromSecret(secret)
}

// DeriveKeyFromPasscode derives a 32-byte local wrapping key from a short
// numeric passcode, salted by username alone. This covers the local-device
// convenience-unlock threat model only, not remote authentication.
func DeriveKeyFromPasscode(username string, passcode []byte) ([]byte, error) {
	if username == "" || len(passcode) == 0 {
		return nil, ErrEmptyInput
	}
	prehashed, err := prehash(passcode, personaPassphrase)
	if err != nil {
		return nil, err
	}
	return kdf(prehashed, []byte(username), 32), nil
}

// AuthKeyHash returns a 32-byte personalized hash of a public key, usable
// as a non-reversible identifier in place of the raw key.
func AuthKeyHash(key []byte) ([]byte, error) {
	return prehash(key, personaAuthKey)
}

// GenerateAccountKey returns 128 bits of fresh entropy formatted for human
// transcription: 8 groups of 4 hex characters separated by spaces, e.g.
// "1f3a 9c02 ...".
func GenerateAccountKey() (string, error) {
	raw, err := common.MakeRandHexString(16)
	if err != nil {
		return "", err
	}
	groups := make([]string, 0, 8)
	for i := 0; i < len(raw); i += 4 {
		groups = append(groups, raw[i:i+4])
	}
	return strings.Join(groups, " "), nil
}

// prehash normalizes variable-length input with a keyed blake2b-256; the
// personalization string is the key, keeping derivation domains disjoint.
func prehash(input, persona []byte) ([]byte, error) {
	h, err := blake2b.New256(persona)
	if err != nil {
		return nil, fmt.Errorf("initializing prehash: %w", err)
	}
	h.Write(input)
	return h.Sum(nil), nil
}

func kdf(password, salt []byte, size uint32) []byte {
	if testVectorMode {
		return argon2.IDKey(password, salt, kdfTestTime, kdfTestMemory, kdfThreads, size)
	}
	return argon2.IDKey(password, salt, kdfTime, kdfMemory, kdfThreads, size)
}

func keyPairFromSecret(secret []byte) (*cryptox.KeyPair, error) {
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("expanding secret key: %w", err)
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return &cryptox.KeyPair{Public: public, Secret: out}, nil
}

// SigningKeysFromSeed derives a deterministic ed25519 keypair from a
// 32-byte seed. The boot keg uses it to reconstruct signing keys without
// storing the expanded secret.
func SigningKeysFromSeed(seed []byte) (*cryptox.SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	sec := ed25519.NewKeyFromSeed(seed)
	pub := sec.Public().(ed25519.PublicKey)
	return &cryptox.SigningKeyPair{Public: pub, Secret: sec}, nil
}
