package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store/drivers/memory"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

const testIssuer = "http://localhost:3000/api/auth"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestKeyRotation_Ephemeral(t *testing.T) {
	ctx := context.Background()
	km, err := jwtx.NewEphemeralKeyManager(jwtx.KeyManagerOptions{Algorithm: jwtx.AlgorithmES256, Issuer: testIssuer})
	require.NoError(t, err)
	svc := &KeyRotationService{Keys: km, Logger: discard}
	old := km.ActiveKIDs()[0]

	token, err := km.Sign(jwtx.NewIDTokenClaims(testIssuer, "u", "c", time.Now(), time.Minute))
	require.NoError(t, err)

	res, err := svc.RotateKey(ctx, RotateKeyRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, res.ActiveKeys)
	require.Empty(t, res.RetiredKeys)

	require.NoError(t, svc.RetireKey(ctx, old))
	require.Equal(t, []string{res.NewKey.Kid}, km.ActiveKIDs())
	require.Error(t, svc.RetireKey(ctx, res.NewKey.Kid), "the only active key stays")
	require.Error(t, svc.RetireKey(ctx, "gh-unknown"))

	var claims jwtx.IDTokenClaims
	require.NoError(t, km.Verifier("c").Verify(token, &claims), "retired keys still verify")

	keys, err := svc.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		require.Equal(t, k.Kid == res.NewKey.Kid, k.Active)
	}
}

func TestKeyRotation_Persistent(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(store.CoreSchema())
	ks := store.NewKeyStoreAdapter(adapter)
	enc, err := cryptox.NewKeyEncryptor([]byte("master"))
	require.NoError(t, err)
	opts := jwtx.KeyManagerOptions{Algorithm: jwtx.AlgorithmEdDSA, Issuer: testIssuer, NumKeys: 2}

	km, err := jwtx.NewPersistentKeyManager(ctx, opts, ks, enc)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &KeyRotationService{
		Keys:        km,
		Store:       ks,
		Encryptor:   enc,
		GracePeriod: time.Hour,
		Logger:      discard,
		Now:         func() time.Time { return now },
	}

	res, err := svc.RotateKey(ctx, RotateKeyRequest{RetireExisting: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.ActiveKeys)
	require.Len(t, res.RetiredKeys, 2)
	for _, k := range res.RetiredKeys {
		require.True(t, now.Add(time.Hour).Equal(*k.ExpiresAt))
	}

	keys, err := svc.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	active := 0
	for _, k := range keys {
		if k.Active {
			active++
			require.Equal(t, res.NewKey.Kid, k.Kid)
		}
	}
	require.Equal(t, 1, active)

	// A restart signs only with the new key; nothing is generated because
	// NumKeys counts active keys only.
	opts.NumKeys = 1
	restarted, err := jwtx.NewPersistentKeyManager(ctx, opts, ks, enc)
	require.NoError(t, err)
	require.Equal(t, []string{res.NewKey.Kid}, restarted.ActiveKIDs())

	// Housekeeping prunes retired keys once their grace period ends.
	hk := NewHousekeepingService(adapter, discard, time.Hour, CoreExpiryTargets()...)
	hk.Now = func() time.Time { return now.Add(2 * time.Hour) }
	require.Equal(t, 2, hk.Cleanup(ctx))

	keys, err = svc.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestKeyRotation_PersistentNeedsEncryptor(t *testing.T) {
	km, err := jwtx.NewEphemeralKeyManager(jwtx.KeyManagerOptions{Algorithm: jwtx.AlgorithmES256, Issuer: testIssuer})
	require.NoError(t, err)
	svc := &KeyRotationService{Keys: km, Store: store.NewKeyStoreAdapter(memory.New(store.CoreSchema())), Logger: discard}

	_, err = svc.RotateKey(context.Background(), RotateKeyRequest{})
	require.Error(t, err)
}
