package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/gatehouse/internal/auth/service"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
)

// InitSigningKeys builds the KeyRotationService whose KeyManager signs ID
// tokens.
//
// With persistent keys the private keys live in the jwks model, sealed with
// the master key, and JWKS survives restarts. Otherwise keys are generated on
// startup and ID tokens issued before a restart can no longer be verified.
func InitSigningKeys(ctx context.Context, cfg Config, issuer string, adapter store.Adapter, logger *slog.Logger) (*service.KeyRotationService, error) {
	opts := jwtx.KeyManagerOptions{
		Algorithm: cfg.KeyAlgorithm,
		Issuer:    issuer,
		RSABits:   cfg.KeyRSABits,
		NumKeys:   cfg.NumKeys,
	}
	rotation := &service.KeyRotationService{
		RSABits:     cfg.KeyRSABits,
		GracePeriod: cfg.KeyGracePeriod,
		Logger:      logger,
	}

	if !cfg.PersistentKeys {
		km, err := jwtx.NewEphemeralKeyManager(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ephemeral key manager: %w", err)
		}
		logger.Info("generated ephemeral signing keys", "algorithm", km.Algorithm(), "num_keys", cfg.NumKeys)
		logger.Warn("ID tokens issued before this start can no longer be verified")
		rotation.Keys = km
		return rotation, nil
	}

	material, err := cryptox.LoadMasterKey(cfg.MasterKeyPath)
	if err != nil {
		return nil, err
	}
	enc, err := cryptox.NewKeyEncryptor(material)
	if err != nil {
		return nil, err
	}
	ks := store.NewKeyStoreAdapter(adapter)
	km, err := jwtx.NewPersistentKeyManager(ctx, opts, ks, enc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize persistent key manager: %w", err)
	}
	logger.Info("persistent signing keys loaded", "algorithm", km.Algorithm(), "keys", len(km.PublicJWKS().Keys))
	rotation.Keys = km
	rotation.Store = ks
	rotation.Encryptor = enc
	return rotation, nil
}
