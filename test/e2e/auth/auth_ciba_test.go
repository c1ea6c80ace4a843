package auth_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatehouse/pkg/authsdk"
)

const grantCIBA = authsdk.GrantTypeCIBA

type pollResult struct {
	tokens *authsdk.TokenResponse
	err    error
}

// startPolling runs PollToken in the background.
func startPolling(t *testing.T, client *authsdk.Client, started *authsdk.BackchannelResponse) <-chan pollResult {
	t.Helper()
	done := make(chan pollResult, 1)
	go func() {
		tok, err := client.PollToken(t.Context(), started.AuthReqID, time.Duration(started.Interval)*time.Second)
		done <- pollResult{tok, err}
	}()
	return done
}

func waitPoll(t *testing.T, done <-chan pollResult) pollResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(15 * time.Second):
		t.Fatal("polling did not finish")
		return pollResult{}
	}
}

// TestCIBA_Approved verifies a backchannel request approved by the user
// yields tokens for the polling client.
func TestCIBA_Approved(t *testing.T) {
	baseURL := setupAuthServer(t, nil)
	ctx := t.Context()

	user := signUp(t, baseURL, userEmail)
	reg := registerClient(t, user, []string{grantCIBA}, "openid email")
	client := authsdk.NewClient(baseURL, reg.ClientID, reg.ClientSecret)

	started, err := client.BackchannelAuthorize(ctx, authsdk.BackchannelRequest{
		LoginHint:      "Ada@Example.com",
		Scopes:         []string{"openid", "email"},
		BindingMessage: "W4SCT",
	})
	require.NoError(t, err)
	require.NotEmpty(t, started.AuthReqID)
	require.EqualValues(t, 1, started.Interval)
	done := startPolling(t, client, started)

	var view struct {
		BindingMessage string `json:"binding_message"`
		Status         string `json:"status"`
	}
	status, _ := user.get("/ciba/verify?auth_req_id="+started.AuthReqID, &view)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "W4SCT", view.BindingMessage)

	status = user.post("/ciba/authorize", map[string]any{"auth_req_id": started.AuthReqID}, nil)
	require.Equal(t, http.StatusOK, status)

	res := waitPoll(t, done)
	require.NoError(t, res.err)
	require.NotEmpty(t, res.tokens.AccessToken)
	require.Empty(t, res.tokens.RefreshToken)

	idToken, err := client.VerifyIDToken(ctx, res.tokens.IDToken)
	require.NoError(t, err)
	info, err := client.GetUserInfo(ctx, res.tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, idToken.Subject, info.Subject)

	// The request is single-use.
	_, err = client.PollToken(ctx, started.AuthReqID, time.Second)
	require.True(t, authsdk.IsOAuth2Error(err, authsdk.ErrorCodeInvalidGrant), err)
}

// TestCIBA_Denied verifies the polling client sees access_denied.
func TestCIBA_Denied(t *testing.T) {
	baseURL := setupAuthServer(t, nil)

	user := signUp(t, baseURL, userEmail)
	reg := registerClient(t, user, []string{grantCIBA}, "openid email")
	client := authsdk.NewClient(baseURL, reg.ClientID, reg.ClientSecret)

	started, err := client.BackchannelAuthorize(t.Context(), authsdk.BackchannelRequest{
		LoginHint: userEmail,
		Scopes:    []string{"openid"},
	})
	require.NoError(t, err)
	done := startPolling(t, client, started)

	status := user.post("/ciba/deny", map[string]any{"auth_req_id": started.AuthReqID}, nil)
	require.Equal(t, http.StatusOK, status)

	res := waitPoll(t, done)
	require.True(t, authsdk.IsOAuth2Error(res.err, authsdk.ErrorCodeAccessDenied), res.err)
}

// TestCIBA_Rejections verifies requests the server must refuse up front.
func TestCIBA_Rejections(t *testing.T) {
	baseURL := setupAuthServer(t, nil)
	ctx := t.Context()

	user := signUp(t, baseURL, userEmail)
	ciba := authsdk.NewClient(baseURL, "", "")
	{
		reg := registerClient(t, user, []string{grantCIBA}, "openid email")
		ciba.ClientID, ciba.ClientSecret = reg.ClientID, reg.ClientSecret
	}

	_, err := ciba.BackchannelAuthorize(ctx, authsdk.BackchannelRequest{LoginHint: userEmail, Scopes: []string{"email"}})
	require.True(t, authsdk.IsOAuth2Error(err, authsdk.ErrorCodeInvalidRequest), err)

	_, err = ciba.BackchannelAuthorize(ctx, authsdk.BackchannelRequest{LoginHint: "nobody@example.com", Scopes: []string{"openid"}})
	require.True(t, authsdk.IsOAuth2Error(err, authsdk.ErrorCodeUnknownUserID), err)

	reg := registerClient(t, user, codeGrants, fullScope)
	codeOnly := authsdk.NewClient(baseURL, reg.ClientID, reg.ClientSecret)
	_, err = codeOnly.BackchannelAuthorize(ctx, authsdk.BackchannelRequest{LoginHint: userEmail, Scopes: []string{"openid"}})
	require.True(t, authsdk.IsOAuth2Error(err, authsdk.ErrorCodeUnauthorizedClient), err)
}
