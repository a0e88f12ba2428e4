// Package session issues and validates explicit session objects.
//
// Every authenticated request carries a session token minted at login and
// dead after logout or expiry. The acting user always comes from the
// session resolved for the current request; nothing in the system reads a
// process-wide "current user".
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoToken        = errors.New("session token required")
	ErrInvalidSession = errors.New("invalid or expired session")
	ErrNotFound       = errors.New("session not found")
	ErrUnknownRole    = errors.New("unknown role")
)

// DefaultTTL is how long a session lives without an explicit logout.
const DefaultTTL = 24 * time.Hour

// Role is the actor's capability class on the platform.
type Role string

const (
	RoleRider   Role = "rider"
	RoleDriver  Role = "driver"
	RoleCourier Role = "courier"
	RoleAdmin   Role = "admin"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleRider, RoleDriver, RoleCourier, RoleAdmin:
		return true
	}
	return false
}

// Session is one authenticated login. The raw token is returned once at
// login; only its hash is stored.
type Session struct {
	ID        string    `json:"id"`
	TokenHash string    `json:"-"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// Active reports whether the session can still authenticate requests.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	GetByHash(ctx context.Context, hash string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Manager handles the session lifecycle.
type Manager struct {
	store Store
	ttl   time.Duration
}

// NewManager creates a session manager with the default TTL.
func NewManager(store Store) *Manager {
	return &Manager{store: store, ttl: DefaultTTL}
}

// WithTTL overrides the session lifetime.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// Login mints a new session for the user. Returns the raw token (shown
// once) and the stored session.
func (m *Manager) Login(ctx context.Context, userID string, role Role) (rawToken string, sess *Session, err error) {
	if !ValidRole(role) {
		return "", nil, ErrUnknownRole
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawToken = "ses_" + hex.EncodeToString(b)

	now := time.Now()
	sess = &Session{
		ID:        "ssn_" + hex.EncodeToString(b[:8]),
		TokenHash: hashToken(rawToken),
		UserID:    userID,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return "", nil, err
	}
	return rawToken, sess, nil
}

// Validate resolves a raw token to its live session.
func (m *Manager) Validate(ctx context.Context, rawToken string) (*Session, error) {
	if rawToken == "" {
		return nil, ErrNoToken
	}
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimSpace(rawToken)
	if !strings.HasPrefix(rawToken, "ses_") {
		return nil, ErrInvalidSession
	}

	sess, err := m.store.GetByHash(ctx, hashToken(rawToken))
	if err != nil {
		return nil, ErrInvalidSession
	}
	if !sess.Active(time.Now()) {
		return nil, ErrInvalidSession
	}
	return sess, nil
}

// Logout invalidates a session by ID. Only the session's own user (or an
// admin) may revoke it.
func (m *Manager) Logout(ctx context.Context, sessionID, callerUserID string, callerRole Role) error {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != callerUserID && callerRole != RoleAdmin {
		return ErrInvalidSession
	}
	sess.Revoked = true
	return m.store.Update(ctx, sess)
}

// Sweep deletes expired sessions.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, time.Now())
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // by ID
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.TokenHash == hash {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrNotFound
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
