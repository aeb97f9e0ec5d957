// Package cryptox implements the envelope crypto used by the keg layer:
// authenticated symmetric encryption with a self-describing wire format,
// public-key encryption on top of it, and detached signatures.
//
// Wire format of an encrypted blob:
//
//	[32 zero bytes][ciphertext+MAC][24-byte nonce suffix]
//
// The leading 32 zero bytes are a buffer convention inherited from the
// server-side encryption scheme and must be preserved for wire
// compatibility. The nonce suffix is appended by default so a blob can be
// decrypted without out-of-band data; callers that transmit the nonce
// separately use the Detached variants.
package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/mkravchenko/kegsync/common"
)

const (
	// KeySize is the symmetric key length.
	KeySize = 32
	// NonceSize is the nonce length.
	NonceSize = 24
	// SignatureSize is the detached signature length.
	SignatureSize = ed25519.SignatureSize
	// SigningPublicKeySize and SigningSecretKeySize are ed25519 key lengths.
	SigningPublicKeySize = ed25519.PublicKeySize
	SigningSecretKeySize = ed25519.PrivateKeySize
	// EncryptionKeySize is the curve25519 key length (public and secret).
	EncryptionKeySize = 32

	// padSize is the zero padding prefixed to every encrypted blob.
	padSize = 32
	// lengthPrefixSize is the optional big-endian length prefix.
	lengthPrefixSize = 4

	// nonce layout: low 32 bits of unix time, then random tail.
	nonceTimeSize = 4
	nonceRandSize = NonceSize - nonceTimeSize
)

var (
	// ErrDecryption is returned when authenticated decryption fails:
	// wrong key, tampered ciphertext, or corrupted data. Callers branch
	// on this with errors.Is to distinguish it from structural errors.
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidKey is returned for key material of the wrong length.
	ErrInvalidKey = errors.New("invalid key length")

	// ErrInvalidBlob is returned for ciphertext too short to carry the
	// mandatory padding, MAC and nonce.
	ErrInvalidBlob = errors.New("invalid encrypted blob")
)

// KeyPair is a curve25519 encryption keypair.
type KeyPair struct {
	Public []byte
	Secret []byte
}

// SigningKeyPair is an ed25519 signing keypair.
type SigningKeyPair struct {
	Public []byte
	Secret []byte
}

// GenerateEncryptionKeyPair creates a fresh curve25519 keypair.
func GenerateEncryptionKeyPair() (*KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating encryption keypair: %w", err)
	}
	return &KeyPair{Public: pub[:], Secret: sec[:]}, nil
}

// GenerateSigningKeyPair creates a fresh ed25519 keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, sec, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating signing keypair: %w", err)
	}
	return &SigningKeyPair{Public: pub, Secret: sec}, nil
}

// NewNonce returns a 24-byte nonce: the low 32 bits of the current unix
// time followed by 20 random bytes. The timestamp component guarantees
// practical uniqueness under high-frequency generation without relying
// solely on the RNG.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint32(nonce[:nonceTimeSize], uint32(time.Now().Unix()))
	tail, err := common.GenerateRandBytes(nonceRandSize)
	if err != nil {
		return nil, err
	}
	copy(nonce[nonceTimeSize:], tail)
	return nonce, nil
}

// SymmetricEncrypt encrypts message under key with a fresh nonce and
// appends the nonce to the output.
func SymmetricEncrypt(message, key []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	blob, err := seal(message, key, nonce)
	if err != nil {
		return nil, err
	}
	return append(blob, nonce...), nil
}

// SymmetricEncryptDetached encrypts message under key with the given
// nonce. The nonce is not embedded in the output; the caller transmits
// it separately.
func SymmetricEncryptDetached(message, key, nonce []byte) ([]byte, error) {
	return seal(message, key, nonce)
}

// SymmetricEncryptWithLength is SymmetricEncrypt plus a 4-byte big-endian
// prefix holding the length of the rest of the blob. Used where blobs
// are concatenated into a stream.
func SymmetricEncryptWithLength(message, key []byte) ([]byte, error) {
	blob, err := SymmetricEncrypt(message, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, lengthPrefixSize, lengthPrefixSize+len(blob))
	binary.BigEndian.PutUint32(out, uint32(len(blob)))
	return append(out, blob...), nil
}

// SymmetricDecrypt decrypts a blob produced by SymmetricEncrypt: the
// trailing 24 bytes are treated as the nonce and stripped. Returns
// ErrDecryption when authentication fails.
func SymmetricDecrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < padSize+secretbox.Overhead+NonceSize {
		return nil, ErrInvalidBlob
	}
	nonce := blob[len(blob)-NonceSize:]
	return open(blob[:len(blob)-NonceSize], key, nonce)
}

// SymmetricDecryptDetached decrypts a blob whose nonce was transmitted
// separately.
func SymmetricDecryptDetached(blob, key, nonce []byte) ([]byte, error) {
	return open(blob, key, nonce)
}

// SymmetricDecryptWithLength strips the 4-byte length prefix, validates
// it, and decrypts the remainder as SymmetricDecrypt.
func SymmetricDecryptWithLength(blob, key []byte) ([]byte, error) {
	if len(blob) < lengthPrefixSize {
		return nil, ErrInvalidBlob
	}
	declared := binary.BigEndian.Uint32(blob[:lengthPrefixSize])
	rest := blob[lengthPrefixSize:]
	if uint32(len(rest)) != declared {
		return nil, ErrInvalidBlob
	}
	return SymmetricDecrypt(rest, key)
}

// AsymmetricEncrypt encrypts message for theirPublic using mySecret: a
// curve25519 shared secret is computed and the symmetric path does the
// rest, so the output carries the same wire format.
func AsymmetricEncrypt(message, theirPublic, mySecret []byte) ([]byte, error) {
	shared, err := sharedSecret(theirPublic, mySecret)
	if err != nil {
		return nil, err
	}
	return SymmetricEncrypt(message, shared)
}

// AsymmetricDecrypt is the inverse of AsymmetricEncrypt.
func AsymmetricDecrypt(blob, theirPublic, mySecret []byte) ([]byte, error) {
	shared, err := sharedSecret(theirPublic, mySecret)
	if err != nil {
		return nil, err
	}
	if len(blob) < padSize+secretbox.Overhead+NonceSize {
		return nil, ErrInvalidBlob
	}
	return SymmetricDecrypt(blob, shared)
}

// AsymmetricDecryptCompat decrypts blobs produced by the server-side
// scheme, which does not embed the nonce in the ciphertext.
func AsymmetricDecryptCompat(blob, nonce, theirPublic, mySecret []byte) ([]byte, error) {
	shared, err := sharedSecret(theirPublic, mySecret)
	if err != nil {
		return nil, err
	}
	return open(blob, shared, nonce)
}

// Sign returns a 64-byte detached signature of message.
func Sign(message, secretKey []byte) ([]byte, error) {
	if len(secretKey) != SigningSecretKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(ed25519.PrivateKey(secretKey), message), nil
}

// Verify reports whether signature is a valid detached signature of
// message under publicKey.
func Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != SigningPublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

func seal(message, key, nonce []byte) ([]byte, error) {
	k, err := toKey(key)
	if err != nil {
		return nil, err
	}
	n, err := toNonce(nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, padSize, padSize+len(message)+secretbox.Overhead)
	return secretbox.Seal(out, message, n, k), nil
}

func open(blob, key, nonce []byte) ([]byte, error) {
	k, err := toKey(key)
	if err != nil {
		return nil, err
	}
	n, err := toNonce(nonce)
	if err != nil {
		return nil, err
	}
	if len(blob) < padSize+secretbox.Overhead {
		return nil, ErrInvalidBlob
	}
	plain, ok := secretbox.Open(nil, blob[padSize:], n, k)
	if !ok {
		return nil, ErrDecryption
	}
	return plain, nil
}

func sharedSecret(theirPublic, mySecret []byte) ([]byte, error) {
	pub, err := toKey(theirPublic)
	if err != nil {
		return nil, err
	}
	sec, err := toKey(mySecret)
	if err != nil {
		return nil, err
	}
	var shared [KeySize]byte
	box.Precompute(&shared, pub, sec)
	return shared[:], nil
}

func toKey(key []byte) (*[KeySize]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	var k [KeySize]byte
	copy(k[:], key)
	return &k, nil
}

func toNonce(nonce []byte) (*[NonceSize]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidBlob, NonceSize)
	}
	var n [NonceSize]byte
	copy(n[:], nonce)
	return &n, nil
}
