package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func writeToken(t *testing.T, dir, accountID string, tok oauth2.Token) {
	t.Helper()
	p := NewProvider("id", "secret", dir)
	if err := p.saveToken(accountID, &tok); err != nil {
		t.Fatalf("save token: %v", err)
	}
}

func TestTokenFromStoredFile(t *testing.T) {
	dir := t.TempDir()
	writeToken(t, dir, "acct-1", oauth2.Token{
		AccessToken: "live-token",
		Expiry:      time.Now().Add(time.Hour),
	})

	p := NewProvider("id", "secret", dir)
	got, err := p.Token(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "live-token" {
		t.Fatalf("token %q, want live-token", got)
	}

	// A second call is served from the in-memory cache even if the file
	// disappears.
	if err := os.Remove(filepath.Join(dir, "acct-1.json")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err = p.Token(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("cached token: %v", err)
	}
	if got != "live-token" {
		t.Fatalf("cached token %q, want live-token", got)
	}
}

func TestTokenMissingAuthorization(t *testing.T) {
	p := NewProvider("id", "secret", t.TempDir())
	_, err := p.Token(context.Background(), "acct-1")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.AccountID != "acct-1" {
		t.Fatalf("AuthError for %q, want acct-1", authErr.AccountID)
	}
}

func TestSaveTokenFilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	writeToken(t, dir, "acct-1", oauth2.Token{AccessToken: "x"})

	info, err := os.Stat(filepath.Join(dir, "acct-1.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode %o, want 600", perm)
	}
}
