package domain

import "time"

// User is a resource owner. Credentials live on Account records, never here.
type User struct {
	ID            string
	Name          string
	Email         string
	EmailVerified bool
	Image         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
