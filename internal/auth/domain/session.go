package domain

import "time"

// Session is one login on one device. Token is the opaque value carried by the
// session cookie; ID is only used internally.
type Session struct {
	ID        string
	Token     string
	UserID    string
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RenewalDue reports whether now has reached expiresAt - maxAge + updateAge.
func (s *Session) RenewalDue(now time.Time, maxAge, updateAge time.Duration) bool {
	dueAt := s.ExpiresAt.Add(-maxAge).Add(updateAge)
	return !now.Before(dueAt)
}
