// Package reconnect issues and redeems the short-lived credentials that let
// a disconnected session resume as active.
package reconnect

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/bcrypt"

	"github.com/txn2/mcp-session-tracker/pkg/session"
)

// Redemption failure taxonomy. Client retry behavior differs per kind:
// expired means request a fresh credential; invalid and already-used mean
// the presented credential is dead and must not be retried.
var (
	// ErrNotFound means the session id is unknown.
	ErrNotFound = errors.New("session not found")

	// ErrNotDisconnected means the session is not in the disconnected
	// state; a still-active session has nothing to reconnect.
	ErrNotDisconnected = errors.New("session is not disconnected")

	// ErrExpired means the credential's validity window has passed.
	ErrExpired = errors.New("reconnection credential expired")

	// ErrInvalidCredential means the presented secret does not match.
	ErrInvalidCredential = errors.New("invalid reconnection credential")

	// ErrAlreadyUsed means no credential is outstanding: it was either
	// redeemed already or never issued.
	ErrAlreadyUsed = errors.New("reconnection credential already used")
)

const (
	// secretBytes is the entropy of a raw credential secret.
	secretBytes = 32

	// defaultTTL is the credential validity window when the caller does
	// not request one.
	defaultTTL = 5 * time.Minute

	// maxTTL caps the validity window a caller may request.
	maxTTL = time.Hour
)

// Credential is the one-time result of issuing a reconnection credential.
// Secret is returned to the caller exactly once and never persisted or
// logged.
type Credential struct {
	SessionID string
	Secret    string
	ExpiresAt time.Time
}

// Config configures the credential service.
type Config struct {
	// DefaultTTL is the validity window applied when a caller requests
	// none. Defaults to 5m.
	DefaultTTL time.Duration

	// BcryptCost is the hash cost. Defaults to bcrypt.DefaultCost.
	BcryptCost int

	// Clock supplies time. Defaults to the real clock.
	Clock clock.Clock
}

// Service issues and redeems reconnection credentials against a session
// manager.
type Service struct {
	manager    *session.Manager
	defaultTTL time.Duration
	cost       int
	clock      clock.Clock
}

// NewService creates a credential service.
func NewService(manager *session.Manager, cfg Config) *Service {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Service{
		manager:    manager,
		defaultTTL: cfg.DefaultTTL,
		cost:       cfg.BcryptCost,
		clock:      cfg.Clock,
	}
}

// Issue generates a fresh credential for the session and stores only its
// hash and expiry. A ttl of zero applies the default; ttls above the cap
// are clamped. Issuing replaces any outstanding credential.
func (s *Service) Issue(ctx context.Context, sessionID string, ttl time.Duration) (*Credential, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating credential secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing credential secret: %w", err)
	}

	expiresAt := s.clock.Now().UTC().Add(ttl)
	if err := s.manager.SetCredential(ctx, sessionID, string(hash), expiresAt); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	return &Credential{
		SessionID: sessionID,
		Secret:    secret,
		ExpiresAt: expiresAt,
	}, nil
}

// Redeem exchanges a presented secret for a reactivated session. It is a
// single atomic operation: under concurrent redemption of the same
// credential exactly one caller succeeds and the rest fail with
// ErrAlreadyUsed. On success the credential is consumed, the session is
// active again with a refreshed activity timestamp and an incremented
// reconnect count. A persistence failure surfaces as an error: a
// reconnection that cannot be durably recorded is not reported successful.
func (s *Service) Redeem(ctx context.Context, sessionID, secret string) (*session.Session, error) {
	now := s.clock.Now().UTC()

	sess, err := s.manager.RedeemCredential(ctx, sessionID, func(cur *session.Session) error {
		if cur.Status != session.StatusDisconnected {
			if cur.Status == session.StatusExpired {
				return ErrNotFound
			}
			// A reactivated session with no outstanding hash means the
			// credential was consumed, typically by a concurrent redeem
			// that won the race. Report already-used, not a status
			// complaint, so the loser knows its credential is dead.
			if cur.ReconnectTokenHash == "" && cur.ReconnectCount > 0 {
				return ErrAlreadyUsed
			}
			return ErrNotDisconnected
		}
		if cur.ReconnectTokenHash == "" {
			return ErrAlreadyUsed
		}
		if cur.ReconnectExpiresAt == nil || now.After(*cur.ReconnectExpiresAt) {
			return ErrExpired
		}
		if bcrypt.CompareHashAndPassword([]byte(cur.ReconnectTokenHash), []byte(secret)) != nil {
			return ErrInvalidCredential
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// FailureKind maps a redemption error to its wire-level kind string, or ""
// for errors outside the taxonomy.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotDisconnected):
		return "not_disconnected"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	default:
		return ""
	}
}
