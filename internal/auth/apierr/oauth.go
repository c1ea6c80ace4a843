package apierr

// Error codes from RFC 6749, RFC 7591, RFC 8628 and OpenID CIBA Core. Clients
// pattern-match on these strings.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeInvalidScope            = "invalid_scope"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
	CodeInvalidToken            = "invalid_token"
	CodeLoginRequired           = "login_required"
	CodeConsentRequired         = "consent_required"
	CodeInsufficientScope       = "insufficient_scope"

	CodeInvalidRedirectURI    = "invalid_redirect_uri"
	CodeInvalidClientMetadata = "invalid_client_metadata"

	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeExpiredToken         = "expired_token"
	CodeUnknownUserID        = "unknown_user_id"
	CodeInvalidBindingMsg    = "invalid_binding_message"
)

// OAuthBody is the RFC 6749 section 5.2 error shape.
type OAuthBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// OAuth builds a protocol error. invalid_client and invalid_token are 401,
// insufficient_scope is 403, server_error is 500, everything else is 400.
func OAuth(code, description string) *Error {
	status := StatusBadRequest
	switch code {
	case CodeInvalidClient, CodeInvalidToken:
		status = StatusUnauthorized
	case CodeInsufficientScope:
		status = StatusForbidden
	case CodeServerError:
		status = StatusInternalServerError
	}
	e := New(status, code, description)
	e.body = OAuthBody{Error: code, Description: description}
	return e
}
