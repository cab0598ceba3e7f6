package auth

import (
	"errors"
	"strings"
	"time"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingToken  = errors.New("missing bearer token")
	ErrMissingOwner  = errors.New("missing owner identity")
	ErrTokenExpired  = errors.New("token expired")
	ErrIssueDisabled = errors.New("token issuance requires jwt mode")
)

// OwnerHeader carries the caller identity when authentication is disabled.
const OwnerHeader = "X-Owner-ID"

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config configures the authentication service.
type Config struct {
	Mode     Mode
	Secret   string
	Issuer   string
	Audience string
	TokenTTL time.Duration
}

// Subject is the authenticated caller. Owner scopes every execution, approval
// and recurring order the caller may see or act on.
type Subject struct {
	Owner     string
	Mode      Mode
	ExpiresAt time.Time
}

// Owns reports whether the subject is the owner of a resource.
func (s *Subject) Owns(owner string) bool {
	if s == nil {
		return false
	}
	return s.Owner != "" && s.Owner == strings.TrimSpace(owner)
}
