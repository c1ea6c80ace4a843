package domain

import "time"

// CIBAStatus is the lifecycle state of a backchannel authentication request.
type CIBAStatus string

const (
	CIBAPending  CIBAStatus = "pending"
	CIBAApproved CIBAStatus = "approved"
	CIBADenied   CIBAStatus = "denied"
	CIBAExpired  CIBAStatus = "expired"
)

// CIBARequest is a backchannel authentication request. ID is the auth_req_id
// handed to the client. Status leaves pending exactly once.
type CIBARequest struct {
	ID             string
	ClientID       string
	UserID         string
	Scopes         []string
	BindingMessage string
	Status         CIBAStatus
	Interval       time.Duration
	ExpiresAt      time.Time
	LastPolledAt   *time.Time
	CreatedAt      time.Time
}

// Expired reports whether the request TTL has elapsed at now.
func (r *CIBARequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// PolledTooSoon reports whether a poll at now violates the interval.
func (r *CIBARequest) PolledTooSoon(now time.Time) bool {
	return r.LastPolledAt != nil && now.Sub(*r.LastPolledAt) < r.Interval
}
