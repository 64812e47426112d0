package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	// TokenTypePush is a short-lived ticket that opens the push connection of
	// one session. Browsers cannot set headers on websocket upgrades, so the
	// ticket travels in the query string instead of the access token.
	TokenTypePush TokenType = "push"
)

// Claims are the only supported JWT claims shape for this service.
// The identity provider is external; this service only verifies tokens and
// trusts the principal they carry. Email is informational and may be empty.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`

	// SessionID scopes push tickets to one call session.
	SessionID string `json:"session_id,omitempty"`
}
