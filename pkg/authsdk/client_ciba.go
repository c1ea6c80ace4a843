package authsdk

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GrantTypeCIBA is the token endpoint grant for backchannel requests.
const GrantTypeCIBA = "urn:openid:params:grant-type:ciba"

// DefaultPollInterval is used when the server does not send an interval.
const DefaultPollInterval = 5 * time.Second

// BackchannelAuthorize starts a CIBA request. The client must be confidential
// and registered for the CIBA grant.
func (c *Client) BackchannelAuthorize(ctx context.Context, req BackchannelRequest) (*BackchannelResponse, error) {
	data := url.Values{
		"scope":      {strings.Join(req.Scopes, " ")},
		"login_hint": {req.LoginHint},
	}
	if req.BindingMessage != "" {
		data.Set("binding_message", req.BindingMessage)
	}
	if req.RequestedExpiry > 0 {
		data.Set("requested_expiry", strconv.FormatInt(int64(req.RequestedExpiry/time.Second), 10))
	}

	resp, err := c.postForm(ctx, "/oauth2/bc-authorize", data)
	if err != nil {
		return nil, err
	}
	var out BackchannelResponse
	if err := decodeJSON(resp, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollToken polls the token endpoint until the user answers the request.
//
// It waits interval before every poll and doubles it on slow_down. The
// terminal answers access_denied, expired_token and invalid_grant are
// returned as *OAuth2Error.
func (c *Client) PollToken(ctx context.Context, authReqID string, interval time.Duration) (*TokenResponse, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	data := url.Values{
		"grant_type":  {GrantTypeCIBA},
		"auth_req_id": {authReqID},
	}
	sleep := c.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for {
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
		tok, err := c.requestToken(ctx, "/oauth2/token", data)
		switch {
		case err == nil:
			return tok, nil
		case IsOAuth2Error(err, ErrorCodeAuthorizationPending):
		case IsOAuth2Error(err, ErrorCodeSlowDown):
			interval *= 2
		default:
			return nil, err
		}
	}
}

// AwaitBackchannel starts a CIBA request and polls until it is answered or
// expires.
func (c *Client) AwaitBackchannel(ctx context.Context, req BackchannelRequest) (*TokenResponse, error) {
	started, err := c.BackchannelAuthorize(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.PollToken(ctx, started.AuthReqID, time.Duration(started.Interval)*time.Second)
}
