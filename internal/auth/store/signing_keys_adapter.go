package store

import (
	"context"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// KeyStoreAdapter adapts the jwks model to the jwtx.KeyStore interface so
// jwtx stays free of any storage dependency.
type KeyStoreAdapter struct {
	adapter Adapter
}

// NewKeyStoreAdapter creates a jwtx.KeyStore backed by a.
func NewKeyStoreAdapter(a Adapter) *KeyStoreAdapter {
	return &KeyStoreAdapter{adapter: a}
}

// ListSigningKeys returns every stored key, oldest first.
func (a *KeyStoreAdapter) ListSigningKeys(ctx context.Context) ([]jwtx.StoredKey, error) {
	recs, err := a.adapter.FindMany(ctx, ModelJWKS, Query{SortBy: "created_at"})
	if err != nil {
		return nil, err
	}
	keys := make([]jwtx.StoredKey, 0, len(recs))
	for _, rec := range recs {
		k, err := signingKeyFromRecord(rec)
		if err != nil {
			return nil, err
		}
		keys = append(keys, jwtx.StoredKey{
			Kid:        k.Kid,
			Algorithm:  k.Algorithm,
			PrivateKey: k.PrivateKeyEncrypted,
			CreatedAt:  k.CreatedAt,
			ExpiresAt:  k.ExpiresAt,
		})
	}
	return keys, nil
}

// CreateSigningKey stores a new key whose private half is already sealed.
func (a *KeyStoreAdapter) CreateSigningKey(ctx context.Context, key jwtx.StoredKey) error {
	_, err := a.adapter.Create(ctx, ModelJWKS, signingKeyRecord(domain.SigningKey{
		Kid:                 key.Kid,
		Algorithm:           key.Algorithm,
		PrivateKeyEncrypted: key.PrivateKey,
		CreatedAt:           key.CreatedAt,
		ExpiresAt:           key.ExpiresAt,
	}))
	return err
}

// RetireSigningKey marks an active key retired until expiresAt.
func (a *KeyStoreAdapter) RetireSigningKey(ctx context.Context, kid string, expiresAt time.Time) error {
	_, err := a.adapter.Update(ctx, ModelJWKS, []Where{Eq("kid", kid), Eq("expires_at", nil)},
		Set("expires_at", expiresAt))
	return err
}
