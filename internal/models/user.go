package models

import "time"

// User is a registered client or consultant.
type User struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	IsConsultant    bool       `json:"is_consultant"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Verified reports whether the user confirmed their email address.
func (u *User) Verified() bool {
	return u != nil && u.EmailVerifiedAt != nil
}
