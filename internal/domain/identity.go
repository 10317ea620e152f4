package domain

import (
	"strings"
	"time"
)

// VerifiedIdentity is emitted by the Identity Provider once an email is confirmed
type VerifiedIdentity struct {
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Validate rejects events that do not describe a confirmed identity
func (v VerifiedIdentity) Validate() error {
	if NormalizeAccountID(v.Email) == "" || !strings.Contains(v.Email, "@") {
		return ErrInvalidIdentity
	}
	if v.VerifiedAt.IsZero() {
		return ErrInvalidIdentity
	}
	return nil
}

// DisplayName falls back to the local part of the email when no username was chosen
func (v VerifiedIdentity) DisplayName() string {
	if name := strings.TrimSpace(v.Username); name != "" {
		return name
	}
	email := NormalizeAccountID(v.Email)
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
