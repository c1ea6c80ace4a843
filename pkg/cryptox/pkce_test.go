package cryptox_test

import (
	"testing"

	"github.com/aussiebroadwan/gatehouse/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestS256Challenge_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	require.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", cryptox.S256Challenge(verifier))
}

func TestVerifyCodeChallenge(t *testing.T) {
	verifier, err := cryptox.GenerateCodeVerifier()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(verifier), 43)

	s256 := cryptox.S256Challenge(verifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      bool
	}{
		{"s256 ok", s256, cryptox.PKCEMethodS256, verifier, true},
		{"s256 wrong verifier", s256, cryptox.PKCEMethodS256, verifier + "x", false},
		{"plain ok", verifier, cryptox.PKCEMethodPlain, verifier, true},
		{"empty method is plain", verifier, "", verifier, true},
		{"plain does not accept s256 challenge", s256, cryptox.PKCEMethodPlain, verifier, false},
		{"unknown method", s256, "S512", verifier, false},
		{"missing verifier", s256, cryptox.PKCEMethodS256, "", false},
		{"missing challenge", "", cryptox.PKCEMethodS256, verifier, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, cryptox.VerifyCodeChallenge(tt.challenge, tt.method, tt.verifier))
		})
	}
}
