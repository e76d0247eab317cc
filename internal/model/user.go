package model

import "time"

// User is the owner of a claim quota.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Claimed   int       `json:"claimed"`
	Limit     int       `json:"limit"`
	Premium   bool      `json:"premium"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// UserSummary is the API response DTO for GET /vouchers/user/summary.
type UserSummary struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Claimed int    `json:"claimed"`
	Limit   int    `json:"limit"`
	Premium bool   `json:"premium"`
}
