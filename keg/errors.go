package keg

import "errors"

var (
	// ErrAntiTamper means the identity bound inside a decrypted payload
	// does not match the keg it was fetched as. Always fatal for that
	// keg, never auto-corrected.
	ErrAntiTamper = errors.New("keg payload identity mismatch")

	// ErrEmptyKeg is returned when a keg has no payload and the caller
	// did not opt into AllowEmpty.
	ErrEmptyKeg = errors.New("keg is empty")

	// ErrNoKey means no decryption key could be resolved for the keg's
	// key id.
	ErrNoKey = errors.New("keg key unavailable")

	// ErrSharedKegPending blocks re-saving a received shared keg until
	// the sender's identity has been validated.
	ErrSharedKegPending = errors.New("shared keg sender not yet validated")

	// ErrPendingRotation means a previous key generation is still
	// unsaved; only one rotation may be pending at a time.
	ErrPendingRotation = errors.New("unsaved key generation pending")

	// ErrLastAdmin guards the admin floor: a shared database must keep
	// at least one admin.
	ErrLastAdmin = errors.New("cannot remove the last admin")

	// ErrParticipantNotLoaded aborts a shared boot keg save when a
	// participant's public key is not known yet.
	ErrParticipantNotLoaded = errors.New("participant contact not loaded")
)
