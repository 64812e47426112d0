package auth

import (
	"errors"
	"time"

	"call-signaling/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PushTicketTTL bounds how long a push ticket can be used to open a connection.
const PushTicketTTL = time.Minute

const clockSkew = 30 * time.Second

var (
	ErrTokenType      = errors.New("auth: unexpected token type")
	ErrIncompleteRole = errors.New("auth: token carries no role")
	ErrNoSubject      = errors.New("auth: token carries no user_id")
	ErrTicketScope    = errors.New("auth: push ticket is not scoped to a session")
)

type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

// TokenPair is issued by the identity provider in production; IssuePair exists
// for local tooling and tests.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// grant is what a signed token asserts.
type grant struct {
	typ       TokenType
	userID    string
	email     string
	role      string
	sessionID string
	ttl       time.Duration
}

func (m *Manager) IssuePair(now time.Time, userID, email, role string) (TokenPair, error) {
	access, err := m.sign(now, grant{typ: TokenTypeAccess, userID: userID, email: email, role: role, ttl: m.accessTTL})
	if err != nil {
		return TokenPair{}, err
	}
	// Refresh tokens do not carry a role.
	refresh, err := m.sign(now, grant{typ: TokenTypeRefresh, userID: userID, email: email, ttl: m.refreshTTL})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// IssuePushTicket signs a ticket that lets the principal of an access token
// open the push connection for sessionID until the returned expiry.
func (m *Manager) IssuePushTicket(now time.Time, access Claims, sessionID string) (string, time.Time, error) {
	if sessionID == "" {
		return "", time.Time{}, ErrTicketScope
	}
	tok, err := m.sign(now, grant{
		typ:       TokenTypePush,
		userID:    access.UserID,
		email:     access.Email,
		role:      access.Role,
		sessionID: sessionID,
		ttl:       PushTicketTTL,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, now.Add(PushTicketTTL), nil
}

// Verify checks signature, registered claims and the token's purpose.
// Access tokens and push tickets must carry a role; push tickets a session.
func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	switch {
	case claims.TokenType != expected:
		return Claims{}, ErrTokenType
	case claims.UserID == "":
		return Claims{}, ErrNoSubject
	case expected != TokenTypeRefresh && claims.Role == "":
		return Claims{}, ErrIncompleteRole
	case expected == TokenTypePush && claims.SessionID == "":
		return Claims{}, ErrTicketScope
	}
	return claims, nil
}

func (m *Manager) sign(now time.Time, g grant) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  audienceOrNil(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
			ID:        uuid.NewString(),
		},
		UserID:    g.userID,
		Email:     g.email,
		Role:      g.role,
		TokenType: g.typ,
		SessionID: g.sessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
