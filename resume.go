package capnweb

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Resume-token manager (C8). The only concrete API surface available
// for this component in the pack is
// capnweb-core/tests/resume_tokens_coverage_tests.rs — resume_tokens.rs
// itself wasn't retrieved — so the exported names and error cases here
// are fixed to match the test names that file enumerates:
// with_settings/generate_token/parse_token, TTL expiry, tamper
// detection, and a PersistentSessionManager with
// list_sessions/delete_session/SessionNotFound.

const resumeTokenVersion byte = 1

var (
	// ErrTokenExpired is returned by ParseToken when the token's TTL has
	// elapsed.
	ErrTokenExpired = errors.New("capnweb: resume token expired")
	// ErrInvalidToken is returned by ParseToken for a malformed token, a
	// tampered ciphertext, or a seal produced under a different key.
	ErrInvalidToken = errors.New("capnweb: invalid resume token")
	// ErrSessionNotFound is returned by SessionStore operations
	// targeting an unknown session ID.
	ErrSessionNotFound = errors.New("capnweb: session not found")
)

// tokenPayload is the plaintext sealed inside a resume token. The
// sealed envelope, before base64 encoding, is
// [version byte][nonce][ciphertext].
type tokenPayload struct {
	Snapshot  Snapshot  `json:"snapshot"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ResumeTokenManager seals and opens opaque resume tokens carrying a
// session Snapshot, authenticated and encrypted with ChaCha20-Poly1305
// (Open Question decision #3, DESIGN.md). Spec.md §4.7 (C8).
type ResumeTokenManager struct {
	aead        chacha20poly1305.AEAD
	ttl         time.Duration
	maxSnapshot int
}

// NewResumeTokenManager builds a manager with the spec's defaults: a
// 1 hour TTL and a 64KB snapshot size ceiling, sealing with a
// freshly-generated 256-bit key.
func NewResumeTokenManager() (*ResumeTokenManager, []byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("capnweb: generating resume token key: %w", err)
	}
	m, err := NewResumeTokenManagerWithKey(key)
	if err != nil {
		return nil, nil, err
	}
	return m, key, nil
}

// NewResumeTokenManagerWithKey builds a manager from a caller-supplied
// 256-bit key (for verifying tokens issued by another process sharing
// the key), using the spec's default TTL and snapshot size.
func NewResumeTokenManagerWithKey(key []byte) (*ResumeTokenManager, error) {
	return WithSettings(key, time.Hour, 64*1024)
}

// WithSettings builds a manager with an explicit key, TTL, and maximum
// serialized snapshot size, mirroring
// ResumeTokenManager::with_settings(ttl, key_size, max_snapshots) from
// the Rust test suite (key_size there fixes the AEAD key length; here
// the key is supplied directly and its length is validated instead).
func WithSettings(key []byte, ttl time.Duration, maxSnapshotBytes int) (*ResumeTokenManager, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("capnweb: %w", err)
	}
	return &ResumeTokenManager{aead: aead, ttl: ttl, maxSnapshot: maxSnapshotBytes}, nil
}

// GenerateToken seals snap into an opaque, base64url-encoded token
// valid for the manager's TTL from now.
func (m *ResumeTokenManager) GenerateToken(snap Snapshot) (string, error) {
	payload := tokenPayload{Snapshot: snap, IssuedAt: nowUTCTruncated(), ExpiresAt: nowUTCTruncated().Add(m.ttl)}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("capnweb: encoding resume token payload: %w", err)
	}
	if len(plaintext) > m.maxSnapshot {
		return "", fmt.Errorf("capnweb: resume token payload exceeds %d bytes", m.maxSnapshot)
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("capnweb: generating resume token nonce: %w", err)
	}
	ciphertext := m.aead.Seal(nil, nonce, plaintext, nil)

	envelope := make([]byte, 0, 1+len(nonce)+len(ciphertext))
	envelope = append(envelope, resumeTokenVersion)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, ciphertext...)
	return base64.URLEncoding.EncodeToString(envelope), nil
}

// ParseToken verifies and decodes a token produced by GenerateToken,
// rejecting it if the seal doesn't authenticate, the version byte is
// unrecognized, or its TTL has elapsed.
func (m *ResumeTokenManager) ParseToken(token string) (Snapshot, error) {
	envelope, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Snapshot{}, ErrInvalidToken
	}
	nonceSize := m.aead.NonceSize()
	if len(envelope) < 1+nonceSize {
		return Snapshot{}, ErrInvalidToken
	}
	if envelope[0] != resumeTokenVersion {
		return Snapshot{}, ErrInvalidToken
	}
	nonce := envelope[1 : 1+nonceSize]
	ciphertext := envelope[1+nonceSize:]

	plaintext, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Snapshot{}, ErrInvalidToken
	}

	var payload tokenPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return Snapshot{}, ErrInvalidToken
	}
	if nowUTCTruncated().After(payload.ExpiresAt) {
		return Snapshot{}, ErrTokenExpired
	}
	return payload.Snapshot, nil
}

func nowUTCTruncated() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// SessionStore persists Snapshots keyed by session ID across resumes,
// the supplemented "persistent session manager" feature
// (resume_tokens_coverage_tests.rs's PersistentSessionManager).
type SessionStore interface {
	Save(id uuid.UUID, snap Snapshot) error
	Load(id uuid.UUID) (Snapshot, error)
	List() ([]uuid.UUID, error)
	Delete(id uuid.UUID) error
}

// MemorySessionStore is an in-process SessionStore, sufficient for a
// single-instance deployment or tests; a production store would back
// this with the same persistence layer that holds other server state.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]Snapshot
}

// NewMemorySessionStore returns an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[uuid.UUID]Snapshot)}
}

func (s *MemorySessionStore) Save(id uuid.UUID, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = snap
	return nil
}

func (s *MemorySessionStore) Load(id uuid.UUID) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return snap, nil
}

func (s *MemorySessionStore) List() ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemorySessionStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}
