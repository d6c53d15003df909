package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session holds the state of the currently signed-in user: the workspace it
// operates in, the bearer credential for the remote authority, and the
// unwrapped workspace DEK. The DEK lives only in process memory and is never
// written to disk.
type Session struct {
	mu sync.RWMutex

	// User and workspace identity
	Username    string `json:"username"`
	WorkspaceID string `json:"workspace_id"`

	// Bearer credential for the remote authority
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`

	// Active data key (never persisted)
	dek []byte

	filePath string
}

// New creates a new empty session backed by the given file path.
func New(filePath string) *Session {
	return &Session{
		filePath: filePath,
	}
}

// Load loads the session from disk. A missing file yields an empty session.
func Load(filePath string) (*Session, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return New(filePath), nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	s.filePath = filePath
	return &s, nil
}

// Save writes the session to disk with restrictive permissions. The DEK is
// deliberately excluded.
func (s *Session) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Dir(s.filePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(s.filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

// Clear wipes all session data and removes the session file.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Username = ""
	s.WorkspaceID = ""
	s.AccessToken = ""
	s.ExpiresAt = time.Time{}
	for i := range s.dek {
		s.dek[i] = 0
	}
	s.dek = nil

	if err := os.Remove(s.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}

	return nil
}

// Unlock sets the active DEK (in memory only). No validation happens here:
// unlocking with a wrong key does not error, subsequent reads simply yield
// undecryptable field values.
func (s *Session) Unlock(dek []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dek = make([]byte, len(dek))
	copy(s.dek, dek)
}

// Lock clears the active DEK.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.dek {
		s.dek[i] = 0
	}
	s.dek = nil
}

// DataKey returns a copy of the active DEK, or nil when the session is
// locked.
func (s *Session) DataKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dek == nil {
		return nil
	}
	key := make([]byte, len(s.dek))
	copy(key, s.dek)
	return key
}

// Unlocked reports whether an active DEK is set.
func (s *Session) Unlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dek != nil
}

// SetCredentials stores the bearer token for the remote authority. The token
// expiry is read from the JWT claims when present; the signature is not
// verified client-side, the remote authority does that.
func (s *Session) SetCredentials(workspaceID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.WorkspaceID = workspaceID
	s.AccessToken = token
	s.ExpiresAt = time.Time{}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Time
		}
	}
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AccessToken
}

// Workspace returns the workspace identifier the session is scoped to.
func (s *Session) Workspace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WorkspaceID
}

// Authenticated reports whether the session carries a bearer token.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.AccessToken != ""
}

// Expired reports whether the bearer token has a known expiry in the past.
func (s *Session) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}
