package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// DefaultKeyGracePeriod is how long a retired key stays published.
const DefaultKeyGracePeriod = 30 * 24 * time.Hour

// KeyRotationService rotates the ID token signing keys.
//
// With a Store (persistent mode) new keys are sealed with Encryptor and
// saved, and retired keys are kept published until their grace period ends.
// Other processes sharing the database pick the change up on their next
// start. Without a Store only the in-memory KeyManager changes.
type KeyRotationService struct {
	Keys        *jwtx.KeyManager
	Store       jwtx.KeyStore
	Encryptor   *cryptox.KeyEncryptor
	RSABits     int
	GracePeriod time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// RotateKeyRequest represents a request to rotate signing keys.
type RotateKeyRequest struct {
	// RetireExisting retires every active key once the new one is in place.
	RetireExisting bool
}

// SigningKeyView describes one published key.
type SigningKeyView struct {
	Kid       string     `json:"kid"`
	Algorithm string     `json:"alg"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RotateKeyResponse represents the result of a key rotation operation.
type RotateKeyResponse struct {
	NewKey      SigningKeyView   `json:"new_key"`
	RetiredKeys []SigningKeyView `json:"retired_keys,omitempty"`
	ActiveKeys  int              `json:"active_keys"`
}

func (s *KeyRotationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *KeyRotationService) grace() time.Duration {
	if s.GracePeriod > 0 {
		return s.GracePeriod
	}
	return DefaultKeyGracePeriod
}

// RotateKey generates a new signing key of the KeyManager's algorithm and
// optionally retires the keys that were active before it.
func (s *KeyRotationService) RotateKey(ctx context.Context, req RotateKeyRequest) (*RotateKeyResponse, error) {
	if s.Keys == nil {
		return nil, errors.New("rotate key: KeyManager is required")
	}
	if s.Store != nil && s.Encryptor == nil {
		return nil, errors.New("rotate key: persistent keys need an encryptor")
	}

	alg := s.Keys.Algorithm()
	pemKey, err := jwtx.GenerateKey(alg, s.RSABits)
	if err != nil {
		return nil, fmt.Errorf("rotate key: generate: %w", err)
	}
	kid := jwtx.NewKeyID()
	signer, err := jwtx.NewSigner(alg, kid, pemKey)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	previous := s.Keys.ActiveKIDs()

	if s.Store != nil {
		sealed, err := s.Encryptor.Encrypt(pemKey)
		if err != nil {
			return nil, err
		}
		if err := s.Store.CreateSigningKey(ctx, jwtx.StoredKey{
			Kid:        kid,
			Algorithm:  alg,
			PrivateKey: sealed,
			CreatedAt:  now,
		}); err != nil {
			return nil, fmt.Errorf("rotate key: store: %w", err)
		}
	}
	if err := s.Keys.AddSigner(signer); err != nil {
		return nil, err
	}

	resp := &RotateKeyResponse{
		NewKey: SigningKeyView{Kid: kid, Algorithm: alg, Active: true, CreatedAt: now},
	}
	if req.RetireExisting {
		for _, old := range previous {
			view, err := s.retire(ctx, old, now)
			if err != nil {
				return nil, err
			}
			resp.RetiredKeys = append(resp.RetiredKeys, view)
		}
	}
	resp.ActiveKeys = len(s.Keys.ActiveKIDs())

	s.Logger.Info("signing key rotated",
		slog.String("kid", kid),
		slog.String("algorithm", alg),
		slog.Int("retired", len(resp.RetiredKeys)),
	)
	return resp, nil
}

// RetireKey stops kid from signing. The last active key cannot be retired;
// rotate instead.
func (s *KeyRotationService) RetireKey(ctx context.Context, kid string) error {
	if s.Keys == nil {
		return errors.New("retire key: KeyManager is required")
	}
	active := s.Keys.ActiveKIDs()
	if !slices.Contains(active, kid) {
		return fmt.Errorf("retire key: %s is not an active signing key", kid)
	}
	if len(active) == 1 {
		return errors.New("retire key: cannot retire the only active key")
	}
	if _, err := s.retire(ctx, kid, s.now().UTC()); err != nil {
		return err
	}
	s.Logger.Info("signing key retired", slog.String("kid", kid))
	return nil
}

func (s *KeyRotationService) retire(ctx context.Context, kid string, now time.Time) (SigningKeyView, error) {
	expires := now.Add(s.grace())
	if s.Store != nil {
		if err := s.Store.RetireSigningKey(ctx, kid, expires); err != nil {
			return SigningKeyView{}, fmt.Errorf("retire key %s: %w", kid, err)
		}
	}
	if err := s.Keys.Retire(kid); err != nil {
		return SigningKeyView{}, err
	}
	return SigningKeyView{Kid: kid, Algorithm: s.Keys.Algorithm(), ExpiresAt: &expires}, nil
}

// ListSigningKeys returns every known key. In persistent mode this reads the
// store, which may include keys another process added since startup.
func (s *KeyRotationService) ListSigningKeys(ctx context.Context) ([]SigningKeyView, error) {
	if s.Keys == nil {
		return nil, errors.New("list keys: KeyManager is required")
	}
	active := s.Keys.ActiveKIDs()

	if s.Store != nil {
		stored, err := s.Store.ListSigningKeys(ctx)
		if err != nil {
			return nil, err
		}
		views := make([]SigningKeyView, len(stored))
		for i, k := range stored {
			views[i] = SigningKeyView{
				Kid:       k.Kid,
				Algorithm: k.Algorithm,
				Active:    !k.Retired() && k.Algorithm == s.Keys.Algorithm(),
				CreatedAt: k.CreatedAt,
				ExpiresAt: k.ExpiresAt,
			}
		}
		return views, nil
	}

	var views []SigningKeyView
	for _, jwk := range s.Keys.PublicJWKS().Keys {
		views = append(views, SigningKeyView{
			Kid:       jwk.Kid,
			Algorithm: jwk.Alg,
			Active:    slices.Contains(active, jwk.Kid),
		})
	}
	return views, nil
}
