package store

import (
	"encoding/base64"

	"github.com/aussiebroadwan/gatehouse/internal/auth/domain"
)

// Core model names.
const (
	ModelUser         = "user"
	ModelSession      = "session"
	ModelAccount      = "account"
	ModelVerification = "verification"
	ModelJWKS         = "jwks"
)

// CoreSchema declares the models every engine needs. Plugins contribute
// their own models through Schema.Merge.
func CoreSchema() Schema {
	return Schema{
		ModelUser: {
			"id":             {Type: String, Unique: true},
			"name":           {Type: String},
			"email":          {Type: String, Unique: true},
			"email_verified": {Type: Boolean},
			"image":          {Type: String},
			"created_at":     {Type: Date},
			"updated_at":     {Type: Date},
		},
		ModelSession: {
			"id":         {Type: String, Unique: true},
			"token":      {Type: String, Unique: true},
			"user_id":    {Type: String},
			"expires_at": {Type: Date},
			"ip_address": {Type: String},
			"user_agent": {Type: String},
			"created_at": {Type: Date},
			"updated_at": {Type: Date},
		},
		ModelAccount: {
			"id":                       {Type: String, Unique: true},
			"user_id":                  {Type: String},
			"provider_id":              {Type: String},
			"account_id":               {Type: String},
			"access_token":             {Type: String},
			"refresh_token":            {Type: String},
			"id_token":                 {Type: String},
			"access_token_expires_at":  {Type: Date},
			"refresh_token_expires_at": {Type: Date},
			"scope":                    {Type: String},
			"password":                 {Type: String},
			"created_at":               {Type: Date},
			"updated_at":               {Type: Date},
		},
		ModelVerification: {
			"id":         {Type: String, Unique: true},
			"identifier": {Type: String, Unique: true},
			"value":      {Type: String},
			"expires_at": {Type: Date},
			"created_at": {Type: Date},
		},
		ModelJWKS: {
			"id":          {Type: String, Unique: true},
			"kid":         {Type: String, Unique: true},
			"algorithm":   {Type: String},
			"private_key": {Type: String},
			"created_at":  {Type: Date},
			"expires_at":  {Type: Date},
		},
	}
}

func userRecord(u domain.User) Record {
	return Record{
		"id":             u.ID,
		"name":           u.Name,
		"email":          u.Email,
		"email_verified": u.EmailVerified,
		"image":          u.Image,
		"created_at":     u.CreatedAt,
		"updated_at":     u.UpdatedAt,
	}
}

// UserFromRecord maps a user row.
func UserFromRecord(r Record) domain.User {
	return domain.User{
		ID:            r.Str("id"),
		Name:          r.Str("name"),
		Email:         r.Str("email"),
		EmailVerified: r.Bool("email_verified"),
		Image:         r.Str("image"),
		CreatedAt:     r.Time("created_at"),
		UpdatedAt:     r.Time("updated_at"),
	}
}

func sessionRecord(s domain.Session) Record {
	return Record{
		"id":         s.ID,
		"token":      s.Token,
		"user_id":    s.UserID,
		"expires_at": s.ExpiresAt,
		"ip_address": s.IPAddress,
		"user_agent": s.UserAgent,
		"created_at": s.CreatedAt,
		"updated_at": s.UpdatedAt,
	}
}

// SessionFromRecord maps a session row.
func SessionFromRecord(r Record) domain.Session {
	return domain.Session{
		ID:        r.Str("id"),
		Token:     r.Str("token"),
		UserID:    r.Str("user_id"),
		ExpiresAt: r.Time("expires_at"),
		IPAddress: r.Str("ip_address"),
		UserAgent: r.Str("user_agent"),
		CreatedAt: r.Time("created_at"),
		UpdatedAt: r.Time("updated_at"),
	}
}

func accountRecord(a domain.Account) Record {
	return Record{
		"id":                       a.ID,
		"user_id":                  a.UserID,
		"provider_id":              a.ProviderID,
		"account_id":               a.AccountID,
		"access_token":             a.AccessToken,
		"refresh_token":            a.RefreshToken,
		"id_token":                 a.IDToken,
		"access_token_expires_at":  optTime(a.AccessTokenExpiresAt),
		"refresh_token_expires_at": optTime(a.RefreshTokenExpiresAt),
		"scope":                    a.Scope,
		"password":                 a.Password,
		"created_at":               a.CreatedAt,
		"updated_at":               a.UpdatedAt,
	}
}

// AccountFromRecord maps an account row.
func AccountFromRecord(r Record) domain.Account {
	return domain.Account{
		ID:                    r.Str("id"),
		UserID:                r.Str("user_id"),
		ProviderID:            r.Str("provider_id"),
		AccountID:             r.Str("account_id"),
		AccessToken:           r.Str("access_token"),
		RefreshToken:          r.Str("refresh_token"),
		IDToken:               r.Str("id_token"),
		AccessTokenExpiresAt:  r.TimePtr("access_token_expires_at"),
		RefreshTokenExpiresAt: r.TimePtr("refresh_token_expires_at"),
		Scope:                 r.Str("scope"),
		Password:              r.Str("password"),
		CreatedAt:             r.Time("created_at"),
		UpdatedAt:             r.Time("updated_at"),
	}
}

// VerificationFromRecord maps a verification row.
func VerificationFromRecord(r Record) domain.Verification {
	return domain.Verification{
		ID:         r.Str("id"),
		Identifier: r.Str("identifier"),
		Value:      r.Str("value"),
		ExpiresAt:  r.Time("expires_at"),
		CreatedAt:  r.Time("created_at"),
	}
}

func signingKeyRecord(k domain.SigningKey) Record {
	return Record{
		"id":          k.ID,
		"kid":         k.Kid,
		"algorithm":   k.Algorithm,
		"private_key": base64.StdEncoding.EncodeToString(k.PrivateKeyEncrypted),
		"created_at":  k.CreatedAt,
		"expires_at":  optTime(k.ExpiresAt),
	}
}

func signingKeyFromRecord(r Record) (domain.SigningKey, error) {
	pk, err := base64.StdEncoding.DecodeString(r.Str("private_key"))
	if err != nil {
		return domain.SigningKey{}, err
	}
	return domain.SigningKey{
		ID:                  r.Str("id"),
		Kid:                 r.Str("kid"),
		Algorithm:           r.Str("algorithm"),
		PrivateKeyEncrypted: pk,
		CreatedAt:           r.Time("created_at"),
		ExpiresAt:           r.TimePtr("expires_at"),
	}, nil
}
