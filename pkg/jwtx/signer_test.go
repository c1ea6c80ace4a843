package jwtx_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/gatehouse/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

const exampleIssuer = "https://auth.example.com"

func TestSignAndVerify_AllAlgorithms(t *testing.T) {
	for _, alg := range []string{jwtx.AlgorithmRS256, jwtx.AlgorithmES256, jwtx.AlgorithmEdDSA} {
		t.Run(alg, func(t *testing.T) {
			t.Parallel()

			pemKey, err := jwtx.GenerateKey(alg, 2048)
			require.NoError(t, err)

			signer, err := jwtx.NewSigner(alg, "kid-"+alg, pemKey)
			require.NoError(t, err)
			require.Equal(t, alg, signer.Alg())
			require.Equal(t, "kid-"+alg, signer.KID())

			claims := jwtx.NewIDTokenClaims(exampleIssuer, "user-1", "client-1", time.Now(), 5*time.Minute)
			claims.Nonce = "n-0S6_WzA2Mj"
			token, err := signer.Sign(claims)
			require.NoError(t, err)

			keys := jwtx.NewKeySet()
			require.NoError(t, keys.AddSigner(signer))

			var got jwtx.IDTokenClaims
			require.NoError(t, jwtx.NewVerifier(keys, exampleIssuer, "client-1").Verify(token, &got))
			require.Equal(t, "user-1", got.Subject)
			require.Equal(t, "n-0S6_WzA2Mj", got.Nonce)

			t.Run("wrong audience", func(t *testing.T) {
				var c jwtx.IDTokenClaims
				require.Error(t, jwtx.NewVerifier(keys, exampleIssuer, "client-2").Verify(token, &c))
			})
			t.Run("wrong issuer", func(t *testing.T) {
				var c jwtx.IDTokenClaims
				require.Error(t, jwtx.NewVerifier(keys, "https://evil.example", "").Verify(token, &c))
			})
			t.Run("unknown key", func(t *testing.T) {
				var c jwtx.IDTokenClaims
				require.ErrorIs(t, jwtx.NewVerifier(jwtx.NewKeySet(), "", "").Verify(token, &c), jwtx.ErrUnknownKID)
			})
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	pemKey, err := jwtx.GenerateKey(jwtx.AlgorithmEdDSA, 0)
	require.NoError(t, err)
	signer, err := jwtx.NewSigner(jwtx.AlgorithmEdDSA, "k1", pemKey)
	require.NoError(t, err)

	claims := jwtx.NewIDTokenClaims(exampleIssuer, "user-1", "client-1", time.Now().Add(-2*time.Hour), time.Hour)
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	keys := jwtx.NewKeySet()
	require.NoError(t, keys.AddSigner(signer))

	var got jwtx.IDTokenClaims
	require.Error(t, jwtx.NewVerifier(keys, "", "").Verify(token, &got))
}

func TestNewSigner_KeyTypeMismatch(t *testing.T) {
	edKey, err := jwtx.GenerateKey(jwtx.AlgorithmEdDSA, 0)
	require.NoError(t, err)

	_, err = jwtx.NewSigner(jwtx.AlgorithmRS256, "k", edKey)
	require.Error(t, err)
	_, err = jwtx.NewSigner(jwtx.AlgorithmES256, "k", edKey)
	require.Error(t, err)
	_, err = jwtx.NewSigner("HS256", "k", edKey)
	require.Error(t, err)
}

func TestAccessTokenHash(t *testing.T) {
	// OIDC Core A.3 example access token and at_hash.
	require.Equal(t, "77QmUPtjPfzWtF2AnpK9RQ", jwtx.AccessTokenHash("jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"))
}
