package keg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkravchenko/kegsync/common"
	"github.com/mkravchenko/kegsync/cryptox"
)

func TestBootKegCreateAndReload(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	bootKey, err := common.GenerateRandBytes(cryptox.KeySize)
	require.NoError(t, err)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}

	db := NewDatabase(SelfDatabaseID)
	b := NewBootKeg(db, deps, bootKey)
	require.NoError(t, b.Create(ctx))
	require.NotNil(t, b.SigningKeys())
	require.NotNil(t, b.EncryptionKeys())

	key, keyID, err := db.CurrentKey(ctx)
	require.NoError(t, err)
	require.Equal(t, FirstKeyGeneration, keyID)
	require.Len(t, key, cryptox.KeySize)

	// a second session derives the same boot key and sees the same material
	db2 := NewDatabase(SelfDatabaseID)
	b2 := NewBootKeg(db2, deps, bootKey)
	require.NoError(t, b2.Load(ctx))
	require.Equal(t, b.SigningKeys().Public, b2.SigningKeys().Public)
	require.Equal(t, b.EncryptionKeys().Secret, b2.EncryptionKeys().Secret)

	got, err := b2.GetKey(ctx, FirstKeyGeneration, time.Second)
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestBootKegWrongBootKey(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	bootKey, err := common.GenerateRandBytes(cryptox.KeySize)
	require.NoError(t, err)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}

	db := NewDatabase(SelfDatabaseID)
	require.NoError(t, NewBootKeg(db, deps, bootKey).Create(ctx))

	wrongKey, err := common.GenerateRandBytes(cryptox.KeySize)
	require.NoError(t, err)
	db2 := NewDatabase(SelfDatabaseID)
	b2 := NewBootKeg(db2, deps, wrongKey)
	err = b2.Load(ctx)
	require.ErrorIs(t, err, cryptox.ErrDecryption)
	require.True(t, b2.Keg().DecryptionError())
}

func TestBootKegGetKeyUnavailable(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	bootKey, err := common.GenerateRandBytes(cryptox.KeySize)
	require.NoError(t, err)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}

	db := NewDatabase(SelfDatabaseID)
	b := NewBootKeg(db, deps, bootKey)
	require.NoError(t, b.Create(ctx))

	key, err := b.GetKey(ctx, "7", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestBootKegRotation(t *testing.T) {
	ctx := testContext(t)
	srv := newFakeServer("alice")
	bootKey, err := common.GenerateRandBytes(cryptox.KeySize)
	require.NoError(t, err)
	deps := Deps{Transport: srv, Contacts: mapDirectory{}, Username: "alice"}

	db := NewDatabase(SelfDatabaseID)
	b := NewBootKeg(db, deps, bootKey)
	require.NoError(t, b.Create(ctx))
	firstKey, _, err := db.CurrentKey(ctx)
	require.NoError(t, err)

	require.NoError(t, b.AddKey())
	require.True(t, b.Keg().Dirty())

	// the new generation becomes current only once the save lands
	_, keyID, err := db.CurrentKey(ctx)
	require.NoError(t, err)
	require.Equal(t, FirstKeyGeneration, keyID)

	require.NoError(t, b.Keg().SaveToServer(ctx))
	newKey, keyID, err := db.CurrentKey(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", keyID)
	require.NotEqual(t, firstKey, newKey)

	// the old generation stays resolvable for old records
	old, err := b.GetKey(ctx, FirstKeyGeneration, time.Second)
	require.NoError(t, err)
	require.Equal(t, firstKey, old)
}
