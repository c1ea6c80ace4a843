package cryptox_test

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"testing"

	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseKeys(t *testing.T) {
	rsaPEM, err := cryptox.GenerateRSAKey(2048)
	require.NoError(t, err)
	esPEM, err := cryptox.GenerateES256Key()
	require.NoError(t, err)
	edPEM, err := cryptox.GenerateEd25519Key()
	require.NoError(t, err)

	k, err := cryptox.ParsePrivateKeyPEM(rsaPEM)
	require.NoError(t, err)
	require.IsType(t, &rsa.PrivateKey{}, k)

	k, err = cryptox.ParsePrivateKeyPEM(esPEM)
	require.NoError(t, err)
	require.IsType(t, &ecdsa.PrivateKey{}, k)

	k, err = cryptox.ParsePrivateKeyPEM(edPEM)
	require.NoError(t, err)
	require.IsType(t, ed25519.PrivateKey{}, k)
}

func TestGenerateRSAKey_RejectsTooSmall(t *testing.T) {
	_, err := cryptox.GenerateRSAKey(1024)
	require.Error(t, err)
}

func TestParsePrivateKeyPEM_Invalid(t *testing.T) {
	_, err := cryptox.ParsePrivateKeyPEM([]byte("not pem"))
	require.Error(t, err)

	_, err = cryptox.ParsePrivateKeyPEM([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	require.Error(t, err)
}
