/*
Package authsdk is a Go client for the Gatehouse authentication service.

# Overview

A Client represents one registered OAuth client. It speaks the OpenID Connect
provider endpoints: token exchange, refresh, revocation, userinfo and the
CIBA backchannel flow. It also covers the unauthenticated health, discovery
and JWKS endpoints.

	client := authsdk.NewClient("https://auth.example.com", clientID, clientSecret)

	health, err := client.GetReadiness(ctx)

# Authorization Code Flow

OAuth2Config builds a golang.org/x/oauth2 config from discovery, so the usual
x/oauth2 helpers drive the browser redirect and PKCE:

	cfg, err := client.OAuth2Config(ctx, "https://app.example.com/callback", "openid", "email", "offline_access")
	verifier := oauth2.GenerateVerifier()
	redirect := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	// in the callback handler
	tokens, err := client.ExchangeCode(ctx, code, cfg.RedirectURL, verifier)
	idToken, err := client.VerifyIDToken(ctx, tokens.IDToken)

Refresh tokens are only issued when offline_access was granted:

	tokens, err = client.RefreshGrant(ctx, tokens.RefreshToken)

# Backchannel Authentication (CIBA)

A confidential client registered for the CIBA grant can ask a user to approve
a sign-in on another device and poll for the result:

	started, err := client.BackchannelAuthorize(ctx, authsdk.BackchannelRequest{
		LoginHint:      "ada@example.com",
		Scopes:         []string{"openid", "email"},
		BindingMessage: "W4SCT",
	})
	tokens, err := client.PollToken(ctx, started.AuthReqID, time.Duration(started.Interval)*time.Second)

PollToken waits the server's interval between polls and doubles it whenever
the server answers slow_down.

# Errors

OAuth endpoints fail with *OAuth2Error, whose Code is the RFC error string:

	if authsdk.IsOAuth2Error(err, authsdk.ErrorCodeAccessDenied) {
		// the user said no
	}

Other endpoints fail with *APIError carrying the service's error code.
*/
package authsdk
