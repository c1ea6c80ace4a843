package apierr_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/aussiebroadwan/gatehouse/internal/auth/apierr"
	"github.com/stretchr/testify/require"
)

func TestStatus_HTTPStatus(t *testing.T) {
	tests := map[apierr.Status]int{
		apierr.StatusBadRequest:          400,
		apierr.StatusUnauthorized:        401,
		apierr.StatusForbidden:           403,
		apierr.StatusNotFound:            404,
		apierr.StatusTooManyRequests:     429,
		apierr.StatusInternalServerError: 500,
		apierr.StatusServiceUnavailable:  503,
		apierr.StatusFound:               302,
		apierr.Status("WEIRD"):           500,
	}
	for status, want := range tests {
		require.Equal(t, want, status.HTTPStatus(), string(status))
	}
}

func TestError_Body(t *testing.T) {
	e := apierr.BadRequest("INVALID_EMAIL", "Invalid email")
	require.Equal(t, apierr.Body{Code: "INVALID_EMAIL", Message: "Invalid email"}, e.Body())
	require.Equal(t, http.StatusBadRequest, e.HTTPStatus())

	o := apierr.OAuth(apierr.CodeInvalidGrant, "code expired")
	require.Equal(t, apierr.OAuthBody{Error: "invalid_grant", Description: "code expired"}, o.Body())
	require.Equal(t, http.StatusBadRequest, o.HTTPStatus())

	require.Equal(t, http.StatusUnauthorized, apierr.OAuth(apierr.CodeInvalidClient, "").HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, apierr.OAuth(apierr.CodeServerError, "").HTTPStatus())
	require.Equal(t, http.StatusForbidden, apierr.OAuth(apierr.CodeInsufficientScope, "").HTTPStatus())
}

func TestRedirect(t *testing.T) {
	e := apierr.Redirect("https://app.example.com/error?error=INVALID_STATE")
	require.Equal(t, http.StatusFound, e.HTTPStatus())
	require.Equal(t, "https://app.example.com/error?error=INVALID_STATE", e.Header.Get("Location"))
	require.Nil(t, e.Body())
}

func TestAs(t *testing.T) {
	wrapped := fmt.Errorf("sign in: %w", apierr.Unauthorized("INVALID_EMAIL_OR_PASSWORD", "Invalid email or password"))

	e, ok := apierr.As(wrapped)
	require.True(t, ok)
	require.Equal(t, "INVALID_EMAIL_OR_PASSWORD", e.Code)

	_, ok = apierr.As(fmt.Errorf("plain"))
	require.False(t, ok)
}
