package oidcprovider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
	"github.com/aussiebroadwan/gatehouse/internal/auth/store"
)

// Model names contributed by the provider.
const (
	ModelClient  = "oauth_client"
	ModelCode    = "oauth_code"
	ModelToken   = "oauth_token"
	ModelConsent = "oauth_consent"
	ModelCIBA    = "ciba_request"
)

// Schema declares the provider models.
func Schema() store.Schema {
	return store.Schema{
		ModelClient: {
			"id":                         {Type: store.String, Unique: true},
			"client_id":                  {Type: store.String, Unique: true},
			"client_secret_hash":         {Type: store.String},
			"name":                       {Type: store.String},
			"redirect_uris":              {Type: store.StringList},
			"token_endpoint_auth_method": {Type: store.String},
			"grant_types":                {Type: store.StringList},
			"response_types":             {Type: store.StringList},
			"scopes":                     {Type: store.StringList},
			"metadata":                   {Type: store.JSON},
			"user_id":                    {Type: store.String},
			"skip_consent":               {Type: store.Boolean},
			"disabled":                   {Type: store.Boolean},
			"created_at":                 {Type: store.Date},
			"updated_at":                 {Type: store.Date},
		},
		ModelCode: {
			"id":                    {Type: store.String, Unique: true},
			"code_hash":             {Type: store.String, Unique: true},
			"client_id":             {Type: store.String},
			"user_id":               {Type: store.String},
			"session_id":            {Type: store.String},
			"redirect_uri":          {Type: store.String},
			"redirect_uri_supplied": {Type: store.Boolean},
			"scopes":                {Type: store.StringList},
			"code_challenge":        {Type: store.String},
			"code_challenge_method": {Type: store.String},
			"nonce":                 {Type: store.String},
			"auth_time":             {Type: store.Date},
			"expires_at":            {Type: store.Date},
			"created_at":            {Type: store.Date},
		},
		ModelToken: {
			"id":                       {Type: store.String, Unique: true},
			"access_token_hash":        {Type: store.String, Unique: true},
			"refresh_token_hash":       {Type: store.String, Unique: true},
			"client_id":                {Type: store.String},
			"user_id":                  {Type: store.String},
			"scopes":                   {Type: store.StringList},
			"access_token_expires_at":  {Type: store.Date},
			"refresh_token_expires_at": {Type: store.Date},
			"created_at":               {Type: store.Date},
		},
		ModelConsent: {
			"id":         {Type: store.String, Unique: true},
			"client_id":  {Type: store.String},
			"user_id":    {Type: store.String},
			"scopes":     {Type: store.StringList},
			"created_at": {Type: store.Date},
			"updated_at": {Type: store.Date},
		},
		ModelCIBA: {
			"id":              {Type: store.String, Unique: true},
			"client_id":       {Type: store.String},
			"user_id":         {Type: store.String},
			"scopes":          {Type: store.StringList},
			"binding_message": {Type: store.String},
			"status":          {Type: store.String},
			"interval":        {Type: store.Number},
			"expires_at":      {Type: store.Date},
			"last_polled_at":  {Type: store.Date},
			"created_at":      {Type: store.Date},
		},
	}
}

// optString stores an empty string as NULL so unique columns stay sparse.
func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func clientRecord(c domain.OAuthClient) (store.Record, error) {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, err
	}
	return store.Record{
		"id":                         c.ID,
		"client_id":                  c.ClientID,
		"client_secret_hash":         optString(c.ClientSecretHash),
		"name":                       c.Name,
		"redirect_uris":              c.RedirectURIs,
		"token_endpoint_auth_method": c.TokenEndpointAuthMethod,
		"grant_types":                c.GrantTypes,
		"response_types":             c.ResponseTypes,
		"scopes":                     c.Scopes,
		"metadata":                   json.RawMessage(meta),
		"user_id":                    c.UserID,
		"skip_consent":               c.SkipConsent,
		"disabled":                   c.Disabled,
		"created_at":                 c.CreatedAt,
		"updated_at":                 c.UpdatedAt,
	}, nil
}

func clientFromRecord(r store.Record) domain.OAuthClient {
	c := domain.OAuthClient{
		ID:                      r.Str("id"),
		ClientID:                r.Str("client_id"),
		ClientSecretHash:        r.Str("client_secret_hash"),
		Name:                    r.Str("name"),
		RedirectURIs:            r.Strings("redirect_uris"),
		TokenEndpointAuthMethod: r.Str("token_endpoint_auth_method"),
		GrantTypes:              r.Strings("grant_types"),
		ResponseTypes:           r.Strings("response_types"),
		Scopes:                  r.Strings("scopes"),
		UserID:                  r.Str("user_id"),
		SkipConsent:             r.Bool("skip_consent"),
		Disabled:                r.Bool("disabled"),
		CreatedAt:               r.Time("created_at"),
		UpdatedAt:               r.Time("updated_at"),
	}
	_ = r.DecodeJSON("metadata", &c.Metadata)
	return c
}

func codeRecord(c domain.AuthorizationCode) store.Record {
	return store.Record{
		"id":                    c.ID,
		"code_hash":             c.CodeHash,
		"client_id":             c.ClientID,
		"user_id":               c.UserID,
		"session_id":            c.SessionID,
		"redirect_uri":          c.RedirectURI,
		"redirect_uri_supplied": c.RedirectURISupplied,
		"scopes":                c.Scopes,
		"code_challenge":        c.CodeChallenge,
		"code_challenge_method": c.CodeChallengeMethod,
		"nonce":                 c.Nonce,
		"auth_time":             c.AuthTime,
		"expires_at":            c.ExpiresAt,
		"created_at":            c.CreatedAt,
	}
}

func codeFromRecord(r store.Record) domain.AuthorizationCode {
	return domain.AuthorizationCode{
		ID:                  r.Str("id"),
		CodeHash:            r.Str("code_hash"),
		ClientID:            r.Str("client_id"),
		UserID:              r.Str("user_id"),
		SessionID:           r.Str("session_id"),
		RedirectURI:         r.Str("redirect_uri"),
		RedirectURISupplied: r.Bool("redirect_uri_supplied"),
		Scopes:              r.Strings("scopes"),
		CodeChallenge:       r.Str("code_challenge"),
		CodeChallengeMethod: r.Str("code_challenge_method"),
		Nonce:               r.Str("nonce"),
		AuthTime:            r.Time("auth_time"),
		ExpiresAt:           r.Time("expires_at"),
		CreatedAt:           r.Time("created_at"),
	}
}

func tokenRecord(t domain.OAuthToken) store.Record {
	return store.Record{
		"id":                       t.ID,
		"access_token_hash":        t.AccessTokenHash,
		"refresh_token_hash":       optString(t.RefreshTokenHash),
		"client_id":                t.ClientID,
		"user_id":                  t.UserID,
		"scopes":                   t.Scopes,
		"access_token_expires_at":  t.AccessTokenExpiresAt,
		"refresh_token_expires_at": t.RefreshTokenExpiresAt,
		"created_at":               t.CreatedAt,
	}
}

func tokenFromRecord(r store.Record) domain.OAuthToken {
	return domain.OAuthToken{
		ID:                    r.Str("id"),
		AccessTokenHash:       r.Str("access_token_hash"),
		RefreshTokenHash:      r.Str("refresh_token_hash"),
		ClientID:              r.Str("client_id"),
		UserID:                r.Str("user_id"),
		Scopes:                r.Strings("scopes"),
		AccessTokenExpiresAt:  r.Time("access_token_expires_at"),
		RefreshTokenExpiresAt: r.TimePtr("refresh_token_expires_at"),
		CreatedAt:             r.Time("created_at"),
	}
}

func consentFromRecord(r store.Record) domain.Consent {
	return domain.Consent{
		ID:        r.Str("id"),
		ClientID:  r.Str("client_id"),
		UserID:    r.Str("user_id"),
		Scopes:    r.Strings("scopes"),
		CreatedAt: r.Time("created_at"),
		UpdatedAt: r.Time("updated_at"),
	}
}

func cibaRecord(c domain.CIBARequest) store.Record {
	return store.Record{
		"id":              c.ID,
		"client_id":       c.ClientID,
		"user_id":         c.UserID,
		"scopes":          c.Scopes,
		"binding_message": c.BindingMessage,
		"status":          string(c.Status),
		"interval":        int64(c.Interval / time.Second),
		"expires_at":      c.ExpiresAt,
		"last_polled_at":  c.LastPolledAt,
		"created_at":      c.CreatedAt,
	}
}

func cibaFromRecord(r store.Record) domain.CIBARequest {
	return domain.CIBARequest{
		ID:             r.Str("id"),
		ClientID:       r.Str("client_id"),
		UserID:         r.Str("user_id"),
		Scopes:         r.Strings("scopes"),
		BindingMessage: r.Str("binding_message"),
		Status:         domain.CIBAStatus(r.Str("status")),
		Interval:       time.Duration(r.Int("interval")) * time.Second,
		ExpiresAt:      r.Time("expires_at"),
		LastPolledAt:   r.TimePtr("last_polled_at"),
		CreatedAt:      r.Time("created_at"),
	}
}

// repo is the typed access layer for the provider models.
type repo struct {
	adapter store.Adapter
}

func (r repo) client(ctx context.Context, clientID string) (domain.OAuthClient, error) {
	rec, err := r.adapter.FindOne(ctx, ModelClient, store.Eq("client_id", clientID))
	if err != nil {
		return domain.OAuthClient{}, err
	}
	return clientFromRecord(rec), nil
}

func (r repo) createClient(ctx context.Context, c domain.OAuthClient) (domain.OAuthClient, error) {
	rec, err := clientRecord(c)
	if err != nil {
		return domain.OAuthClient{}, err
	}
	out, err := r.adapter.Create(ctx, ModelClient, rec)
	if err != nil {
		return domain.OAuthClient{}, err
	}
	return clientFromRecord(out), nil
}

func (r repo) updateClient(ctx context.Context, clientID string, set store.Record) (domain.OAuthClient, error) {
	rec, err := r.adapter.Update(ctx, ModelClient, []store.Where{store.Eq("client_id", clientID)}, set)
	if err != nil {
		return domain.OAuthClient{}, err
	}
	return clientFromRecord(rec), nil
}

// takeCode consumes a code by fingerprint. Only one caller can take a given
// code.
func (r repo) takeCode(ctx context.Context, codeHash string) (domain.AuthorizationCode, error) {
	rec, err := r.adapter.FindOne(ctx, ModelCode, store.Eq("code_hash", codeHash))
	if err != nil {
		return domain.AuthorizationCode{}, err
	}
	n, err := r.adapter.DeleteMany(ctx, ModelCode, store.Eq("id", rec.Str("id")))
	if err != nil {
		return domain.AuthorizationCode{}, err
	}
	if n != 1 {
		return domain.AuthorizationCode{}, store.ErrNotFound
	}
	return codeFromRecord(rec), nil
}

func (r repo) tokenBy(ctx context.Context, field, hash string) (domain.OAuthToken, error) {
	rec, err := r.adapter.FindOne(ctx, ModelToken, store.Eq(field, hash))
	if err != nil {
		return domain.OAuthToken{}, err
	}
	return tokenFromRecord(rec), nil
}

func (r repo) consent(ctx context.Context, clientID, userID string) (domain.Consent, error) {
	rec, err := r.adapter.FindOne(ctx, ModelConsent, store.Eq("client_id", clientID), store.Eq("user_id", userID))
	if err != nil {
		return domain.Consent{}, err
	}
	return consentFromRecord(rec), nil
}

func (r repo) grantConsent(ctx context.Context, clientID, userID string, scopes []string, now time.Time) error {
	existing, err := r.consent(ctx, clientID, userID)
	if errors.Is(err, store.ErrNotFound) {
		_, err = r.adapter.Create(ctx, ModelConsent, store.Record{
			"client_id":  clientID,
			"user_id":    userID,
			"scopes":     scopes,
			"created_at": now,
			"updated_at": now,
		})
		return err
	}
	if err != nil {
		return err
	}
	_, err = r.adapter.Update(ctx, ModelConsent, []store.Where{store.Eq("id", existing.ID)},
		store.Set("scopes", union(existing.Scopes, scopes), "updated_at", now))
	return err
}

func (r repo) ciba(ctx context.Context, id string) (domain.CIBARequest, error) {
	rec, err := r.adapter.FindOne(ctx, ModelCIBA, store.Eq("id", id))
	if err != nil {
		return domain.CIBARequest{}, err
	}
	return cibaFromRecord(rec), nil
}
