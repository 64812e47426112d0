package turn

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"call-signaling/internal/calls"

	"github.com/pion/webrtc/v4"
)

// ErrMissingSecret is a fatal configuration error: relay access is never issued unauthenticated.
var ErrMissingSecret = errors.New("turn: shared secret is required")

var ErrInvalidCredential = errors.New("turn: invalid credential")

// Config describes the relay servers handed to clients.
type Config struct {
	SharedSecret   string
	TURNURLs       []string
	STUNURLs       []string
	UsernamePrefix string

	// Now and Random are injectable for deterministic tests.
	Now    func() time.Time
	Random io.Reader
}

// Issuer produces time-limited TURN REST credentials.
//
// The username is "<expiryUnix>:<prefix>:<nonce>" and the credential is
// base64(HMAC-SHA1(secret, username)), which is what coturn's
// use-auth-secret mode verifies. The nonce keeps two sessions from ever
// sharing a credential.
type Issuer struct {
	secret []byte
	turn   []string
	stun   []string
	prefix string
	now    func() time.Time
	random io.Reader
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if strings.TrimSpace(cfg.SharedSecret) == "" {
		return nil, ErrMissingSecret
	}
	if len(cfg.TURNURLs) == 0 && len(cfg.STUNURLs) == 0 {
		return nil, errors.New("turn: at least one TURN or STUN url is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	prefix := cfg.UsernamePrefix
	if prefix == "" {
		prefix = "call"
	}
	if strings.Contains(prefix, ":") {
		return nil, errors.New("turn: username prefix must not contain ':'")
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		turn:   append([]string(nil), cfg.TURNURLs...),
		stun:   append([]string(nil), cfg.STUNURLs...),
		prefix: prefix,
		now:    now,
		random: random,
	}, nil
}

// Issue returns credentials valid for the given window. The embedded expiry is
// always strictly after the current second, even for sub-second windows.
func (i *Issuer) Issue(validity time.Duration) (calls.RelayCredentials, error) {
	if validity <= 0 {
		return calls.RelayCredentials{}, fmt.Errorf("%w: validity must be > 0", calls.ErrInvalidArgument)
	}
	now := i.now().UTC()
	expiry := now.Add(validity).Truncate(time.Second)
	if expiry.Unix() <= now.Unix() {
		expiry = time.Unix(now.Unix()+1, 0).UTC()
	}

	nonce := make([]byte, 8)
	if _, err := io.ReadFull(i.random, nonce); err != nil {
		return calls.RelayCredentials{}, fmt.Errorf("turn: nonce: %w", err)
	}
	username := strconv.FormatInt(expiry.Unix(), 10) + ":" + i.prefix + ":" + hex.EncodeToString(nonce)
	credential := sign(i.secret, username)

	out := calls.RelayCredentials{Username: username, ExpiresAt: expiry}
	if len(i.stun) > 0 {
		out.Servers = append(out.Servers, toICEServer(webrtc.ICEServer{URLs: i.stun}))
	}
	if len(i.turn) > 0 {
		out.Servers = append(out.Servers, toICEServer(webrtc.ICEServer{
			URLs:       i.turn,
			Username:   username,
			Credential: credential,
		}))
	}
	return out, nil
}

// Verify performs the relay server's check: the digest matches and the expiry has not passed.
func Verify(secret, username, credential string, now time.Time) error {
	if secret == "" {
		return ErrMissingSecret
	}
	head, _, ok := strings.Cut(username, ":")
	if !ok {
		return ErrInvalidCredential
	}
	exp, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return ErrInvalidCredential
	}
	want := sign([]byte(secret), username)
	if subtle.ConstantTimeCompare([]byte(want), []byte(credential)) != 1 {
		return ErrInvalidCredential
	}
	if now.Unix() >= exp {
		return fmt.Errorf("%w: expired", ErrInvalidCredential)
	}
	return nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func toICEServer(s webrtc.ICEServer) calls.ICEServer {
	out := calls.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
	if cred, ok := s.Credential.(string); ok {
		out.Credential = cred
	}
	return out
}

// ICEServers converts stored relay credentials into pion's configuration shape,
// for server-side peers or tests that dial through the relay.
func ICEServers(rc calls.RelayCredentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(rc.Servers))
	for _, s := range rc.Servers {
		srv := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
