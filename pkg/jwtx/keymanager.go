package jwtx

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/golang-jwt/jwt/v5"
)

// KeyManager owns the signing keys of one issuer: it signs with a randomly
// chosen active key and publishes every known public key.
type KeyManager struct {
	algorithm string
	issuer    string
	keys      *KeySet

	mu      sync.RWMutex
	signers []Signer
}

// KeyManagerOptions configures the KeyManager for a specific use case.
type KeyManagerOptions struct {
	// Algorithm: "RS256", "ES256" or "EdDSA".
	Algorithm string

	// Issuer is used for Verifier construction.
	Issuer string

	// RSABits is only used for RS256. Defaults to 2048.
	RSABits int

	// NumKeys is the target number of active signing keys, 1..10, default 1.
	NumKeys int
}

func (o *KeyManagerOptions) normalize() error {
	if o.Issuer == "" {
		return errors.New("jwtx: Issuer is required")
	}
	switch o.Algorithm {
	case AlgorithmRS256, AlgorithmES256, AlgorithmEdDSA:
	default:
		return fmt.Errorf("jwtx: unsupported algorithm %q (supported: RS256, ES256, EdDSA)", o.Algorithm)
	}
	o.NumKeys = min(max(o.NumKeys, 1), 10)
	return nil
}

// NewEphemeralKeyManager generates keys that only live in memory. All issued
// tokens become unverifiable when the process restarts.
func NewEphemeralKeyManager(opts KeyManagerOptions) (*KeyManager, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	km := newKeyManager(opts)
	for i := range opts.NumKeys {
		pemKey, err := GenerateKey(opts.Algorithm, opts.RSABits)
		if err != nil {
			return nil, fmt.Errorf("jwtx: generate key %d: %w", i+1, err)
		}
		signer, err := NewSigner(opts.Algorithm, NewKeyID(), pemKey)
		if err != nil {
			return nil, err
		}
		if err := km.AddSigner(signer); err != nil {
			return nil, err
		}
	}
	return km, nil
}

// StoredKey is a signing key at rest. PrivateKey is sealed by the
// KeyEncryptor handed to NewPersistentKeyManager. A retired key has
// ExpiresAt set: it is published for verification until then and never
// signs again.
type StoredKey struct {
	Kid        string
	Algorithm  string
	PrivateKey []byte
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Retired reports whether the key no longer signs.
func (k StoredKey) Retired() bool { return k.ExpiresAt != nil }

// KeyStore persists signing keys.
type KeyStore interface {
	ListSigningKeys(ctx context.Context) ([]StoredKey, error)
	CreateSigningKey(ctx context.Context, key StoredKey) error
	RetireSigningKey(ctx context.Context, kid string, expiresAt time.Time) error
}

// NewPersistentKeyManager loads every stored key (so previously issued tokens
// keep verifying) and tops up the store with fresh keys of opts.Algorithm
// until NumKeys of that algorithm exist. Retired keys and keys of another
// algorithm stay published but are not used for signing. Retired keys past
// their expiry are skipped.
func NewPersistentKeyManager(ctx context.Context, opts KeyManagerOptions, store KeyStore, enc *cryptox.KeyEncryptor) (*KeyManager, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if store == nil || enc == nil {
		return nil, errors.New("jwtx: store and encryptor are required")
	}

	stored, err := store.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("jwtx: load keys: %w", err)
	}

	km := newKeyManager(opts)
	now := time.Now()
	active := 0
	for _, sk := range stored {
		if sk.Retired() && !now.Before(*sk.ExpiresAt) {
			continue
		}
		pemKey, err := enc.Decrypt(sk.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("jwtx: decrypt key %s: %w", sk.Kid, err)
		}
		signer, err := NewSigner(sk.Algorithm, sk.Kid, pemKey)
		if err != nil {
			return nil, fmt.Errorf("jwtx: load key %s: %w", sk.Kid, err)
		}
		if sk.Retired() || sk.Algorithm != opts.Algorithm {
			if err := km.keys.AddSigner(signer); err != nil {
				return nil, err
			}
			continue
		}
		if err := km.AddSigner(signer); err != nil {
			return nil, err
		}
		active++
	}

	for ; active < opts.NumKeys; active++ {
		pemKey, err := GenerateKey(opts.Algorithm, opts.RSABits)
		if err != nil {
			return nil, fmt.Errorf("jwtx: generate key: %w", err)
		}
		sealed, err := enc.Encrypt(pemKey)
		if err != nil {
			return nil, err
		}
		kid := NewKeyID()
		if err := store.CreateSigningKey(ctx, StoredKey{
			Kid:        kid,
			Algorithm:  opts.Algorithm,
			PrivateKey: sealed,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("jwtx: store key: %w", err)
		}
		signer, err := NewSigner(opts.Algorithm, kid, pemKey)
		if err != nil {
			return nil, err
		}
		if err := km.AddSigner(signer); err != nil {
			return nil, err
		}
	}
	return km, nil
}

func newKeyManager(opts KeyManagerOptions) *KeyManager {
	return &KeyManager{algorithm: opts.Algorithm, issuer: opts.Issuer, keys: NewKeySet()}
}

// Algorithm returns the signing algorithm being used.
func (km *KeyManager) Algorithm() string { return km.algorithm }

// KeySet exposes the published keys.
func (km *KeyManager) KeySet() *KeySet { return km.keys }

// PublicJWKS returns every published key.
func (km *KeyManager) PublicJWKS() JWKS { return km.keys.PublicJWKS() }

// IsReady returns true if the KeyManager has a signing key.
func (km *KeyManager) IsReady() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return len(km.signers) > 0
}

// Verifier returns a verifier bound to this issuer and the given audience.
func (km *KeyManager) Verifier(audience string) *Verifier {
	return NewVerifier(km.keys, km.issuer, audience)
}

// Signer returns a randomly selected active signer, or nil when empty.
func (km *KeyManager) Signer() Signer {
	km.mu.RLock()
	defer km.mu.RUnlock()

	switch len(km.signers) {
	case 0:
		return nil
	case 1:
		return km.signers[0]
	default:
		return km.signers[rand.IntN(len(km.signers))]
	}
}

// Sign signs claims with one of the active keys.
func (km *KeyManager) Sign(claims jwt.Claims) (string, error) {
	s := km.Signer()
	if s == nil {
		return "", errors.New("jwtx: no signing key")
	}
	return s.Sign(claims)
}

// AddSigner makes signer active and publishes its key.
func (km *KeyManager) AddSigner(signer Signer) error {
	if signer == nil {
		return errors.New("jwtx: signer cannot be nil")
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if err := km.keys.AddSigner(signer); err != nil {
		return fmt.Errorf("jwtx: add signer to keyset: %w", err)
	}
	km.signers = append(km.signers, signer)
	return nil
}

// Retire stops kid from signing. Its public key stays published.
func (km *KeyManager) Retire(kid string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	i := slices.IndexFunc(km.signers, func(s Signer) bool { return s.KID() == kid })
	if i < 0 {
		return fmt.Errorf("jwtx: %s is not an active signing key", kid)
	}
	km.signers = slices.Delete(km.signers, i, i+1)
	return nil
}

// ActiveKIDs lists the kids currently used for signing.
func (km *KeyManager) ActiveKIDs() []string {
	km.mu.RLock()
	defer km.mu.RUnlock()

	kids := make([]string, len(km.signers))
	for i, s := range km.signers {
		kids[i] = s.KID()
	}
	return kids
}

// NewKeyID returns a random key id.
func NewKeyID() string {
	return "gh-" + cryptox.MustGenerateToken(cryptox.TokenSize128)
}
