// Package pairing implements remote-pairing sessions: a 6-digit code a
// second device presents to claim dashboard access, gated by an admin
// approval step when the server runs in remote mode.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinTTL is the floor named in spec 6: a pairing code must live for at
// least 30 seconds.
const MinTTL = 30 * time.Second

// DefaultTTL is used when a caller does not specify one.
const DefaultTTL = 5 * time.Minute

// Status is the closed set of pairing session states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusClaimed  Status = "claimed"
	StatusExpired  Status = "expired"
)

var (
	ErrNotFound        = errors.New("pairing: session not found")
	ErrExpired         = errors.New("pairing: session expired")
	ErrNotApproved     = errors.New("pairing: session not approved")
	ErrAdminRequired   = errors.New("pairing: admin token required in remote mode")
	ErrAlreadyResolved = errors.New("pairing: session already approved or claimed")
)

// Session is one pairing attempt.
type Session struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	ClientID  string    `json:"clientId,omitempty"`
}

// Clock is injectable for testing.
type Clock interface{ Now() time.Time }

// SystemClock implements Clock with time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Manager holds in-memory pairing sessions. Sessions are single-use and
// short-lived, so no persistence across restarts is needed: a restart
// simply invalidates in-flight pairing attempts, which is the expected
// remote-pairing UX (the user re-initiates from their device).
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	clock      Clock
	remoteMode bool
	adminKey   []byte
	idSeq      uint64
}

// NewManager builds a Manager. remoteMode gates Approve behind a valid
// admin JWT; adminKey signs/verifies those tokens.
func NewManager(remoteMode bool, adminKey []byte, clock Clock) *Manager {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		clock:      clock,
		remoteMode: remoteMode,
		adminKey:   adminKey,
	}
}

// Create starts a new pairing session with a fresh 6-digit code. ttl is
// clamped up to MinTTL.
func (m *Manager) Create(ttl time.Duration) (*Session, error) {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	code, err := generateCode()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.idSeq++
	now := m.clock.Now()
	sess := &Session{
		ID:        fmt.Sprintf("pair_%d", m.idSeq),
		Code:      code,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	m.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

// AdminToken issues a short-lived signed token for remote-mode approvals.
func (m *Manager) AdminToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(m.clock.Now()),
		ExpiresAt: jwt.NewNumericDate(m.clock.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.adminKey)
}

func (m *Manager) verifyAdminToken(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.adminKey, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("pairing: invalid admin token: %w", err)
	}
	return nil
}

// Approve marks a session approved. In remote mode, adminToken must verify.
func (m *Manager) Approve(ctx context.Context, id, adminToken string) (*Session, error) {
	if m.remoteMode {
		if adminToken == "" {
			return nil, ErrAdminRequired
		}
		if err := m.verifyAdminToken(adminToken); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.clock.Now().After(sess.ExpiresAt) {
		sess.Status = StatusExpired
		return nil, ErrExpired
	}
	if sess.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	sess.Status = StatusApproved
	return cloneSession(sess), nil
}

// Claim burns an approved session and binds it to clientID, single-use.
func (m *Manager) Claim(ctx context.Context, id, code, clientID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.clock.Now().After(sess.ExpiresAt) {
		sess.Status = StatusExpired
		return nil, ErrExpired
	}
	if sess.Code != code {
		return nil, ErrNotFound
	}
	if sess.Status != StatusApproved {
		return nil, ErrNotApproved
	}
	sess.Status = StatusClaimed
	sess.ClientID = clientID
	delete(m.sessions, id)
	return cloneSession(sess), nil
}

// Sweep removes expired sessions; callers may run this periodically.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	removed := 0
	for id, sess := range m.sessions {
		if now.After(sess.ExpiresAt) && sess.Status != StatusClaimed {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func cloneSession(s *Session) *Session {
	clone := *s
	return &clone
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
