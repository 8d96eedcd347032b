package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", FileName)
	p := NewFileProvider(path)

	if user, err := p.CurrentUser(ctx); err != nil || user != "" {
		t.Fatalf("CurrentUser() before sign-in = %q, %v", user, err)
	}

	if err := p.SignIn(ctx, "  alice "); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "user_id: alice") {
		t.Errorf("session file = %s", data)
	}
	if user, _ := NewFileProvider(path).CurrentUser(ctx); user != "alice" {
		t.Errorf("CurrentUser() from a fresh provider = %q, want alice", user)
	}

	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() failed: %v", err)
	}
	if err := p.SignOut(ctx); err != nil {
		t.Errorf("second SignOut() failed: %v", err)
	}
	if user, _ := p.CurrentUser(ctx); user != "" {
		t.Errorf("CurrentUser() after sign-out = %q", user)
	}
}

func TestFileProvider_RejectsBlankUser(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), FileName))
	if err := p.SignIn(context.Background(), " "); err == nil {
		t.Error("expected error for blank user id")
	}
}

func TestFileProvider_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("user_id: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileProvider(path).CurrentUser(context.Background()); err == nil {
		t.Error("expected parse error")
	}
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic("")
	_ = s.SignIn(ctx, "bob")
	if user, _ := s.CurrentUser(ctx); user != "bob" {
		t.Errorf("CurrentUser() = %q", user)
	}
	_ = s.SignOut(ctx)
	if user, _ := s.CurrentUser(ctx); user != "" {
		t.Errorf("CurrentUser() after sign-out = %q", user)
	}
}
