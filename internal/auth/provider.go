package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

var scopes = []string{
	"https://www.googleapis.com/auth/youtube.upload",
	"https://www.googleapis.com/auth/youtube",
}

// AuthError marks a missing or unrefreshable credential. Jobs failing with
// it need manual re-authorization, not a retry.
type AuthError struct {
	AccountID string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("no usable credential for account %s: %v", e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Provider supplies bearer tokens per account. Tokens are provisioned out
// of band as JSON files under tokenDir (one per account) and refreshed
// transparently; a refreshed token is persisted back to its file.
type Provider struct {
	conf     *oauth2.Config
	tokenDir string

	group singleflight.Group

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func NewProvider(clientID, clientSecret, tokenDir string) *Provider {
	return &Provider{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		},
		tokenDir: tokenDir,
		tokens:   make(map[string]*oauth2.Token),
	}
}

// Token returns a valid bearer token for the account, refreshing and
// persisting as needed. Concurrent calls for the same account share one
// refresh; different accounts proceed independently.
func (p *Provider) Token(ctx context.Context, accountID string) (string, error) {
	v, err, _ := p.group.Do(accountID, func() (any, error) {
		return p.token(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provider) token(ctx context.Context, accountID string) (string, error) {
	p.mu.Lock()
	tok := p.tokens[accountID]
	p.mu.Unlock()

	if tok == nil {
		loaded, err := p.loadToken(accountID)
		if err != nil {
			return "", &AuthError{AccountID: accountID, Err: err}
		}
		tok = loaded
	}

	if tok.Valid() {
		p.cache(accountID, tok)
		return tok.AccessToken, nil
	}

	refreshed, err := p.conf.TokenSource(ctx, tok).Token()
	if err != nil {
		return "", &AuthError{AccountID: accountID, Err: fmt.Errorf("refresh: %w", err)}
	}
	if refreshed.AccessToken != tok.AccessToken {
		if err := p.saveToken(accountID, refreshed); err != nil {
			return "", fmt.Errorf("persist refreshed token: %w", err)
		}
	}
	p.cache(accountID, refreshed)
	return refreshed.AccessToken, nil
}

func (p *Provider) cache(accountID string, tok *oauth2.Token) {
	p.mu.Lock()
	p.tokens[accountID] = tok
	p.mu.Unlock()
}

func (p *Provider) tokenPath(accountID string) string {
	return filepath.Join(p.tokenDir, accountID+".json")
}

func (p *Provider) loadToken(accountID string) (*oauth2.Token, error) {
	data, err := os.ReadFile(p.tokenPath(accountID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.New("no stored authorization")
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &tok, nil
}

func (p *Provider) saveToken(accountID string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.MkdirAll(p.tokenDir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(p.tokenPath(accountID), data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}
