// Package session tracks which user is signed in on this device.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider exposes the current user and sign-in/out as explicit calls.
type Provider interface {
	// CurrentUser returns the signed-in user id, or "" when signed out.
	CurrentUser(ctx context.Context) (string, error)
	SignIn(ctx context.Context, userID string) error
	SignOut(ctx context.Context) error
}

// FileName is the session file inside the data directory.
const FileName = "session.yaml"

type sessionFile struct {
	UserID     string    `yaml:"user_id"`
	SignedInAt time.Time `yaml:"signed_in_at"`
}

// FileProvider persists the session as YAML.
type FileProvider struct {
	path string
	mu   sync.Mutex
}

// NewFileProvider stores the session at path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) CurrentUser(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session: %w", err)
	}
	var s sessionFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("failed to parse session %s: %w", p.path, err)
	}
	return s.UserID, nil
}

func (p *FileProvider) SignIn(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := yaml.Marshal(sessionFile{UserID: userID, SignedInAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (p *FileProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// Static is an in-memory Provider.
type Static struct {
	mu     sync.Mutex
	userID string
}

// NewStatic returns a provider signed in as userID ("" for signed out).
func NewStatic(userID string) *Static {
	return &Static{userID: userID}
}

func (s *Static) CurrentUser(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, nil
}

func (s *Static) SignIn(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = strings.TrimSpace(userID)
	return nil
}

func (s *Static) SignOut(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
	return nil
}
