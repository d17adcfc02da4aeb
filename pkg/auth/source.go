package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenSource supplies the service's own bearer token, used when the
// workspace service acts on the blob store on its own behalf (creating
// upload nodes, granting ACLs, streaming downloads for tickets backed by the
// workspace owner's credential).
type TokenSource interface {
	ServiceToken(ctx context.Context) (Token, error)
}

// AuthServiceSource obtains the service token from the auth authority with
// the configured service account, caching it until close to expiry.
type AuthServiceSource struct {
	url      string
	user     string
	password string
	client   *http.Client

	mu    sync.Mutex
	token Token
}

// refreshMargin is how long before expiry a cached token is discarded.
const refreshMargin = 5 * time.Minute

// NewAuthServiceSource creates a source that logs in to the auth authority at
// url with the given service credentials.
func NewAuthServiceSource(url, user, password string, client *http.Client) *AuthServiceSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &AuthServiceSource{
		url:      url,
		user:     user,
		password: password,
		client:   client,
	}
}

// ServiceToken returns the cached service token, fetching a fresh one when
// absent or near expiry.
func (s *AuthServiceSource) ServiceToken(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Valid() && time.Until(s.token.Expiry()) > refreshMargin {
		return s.token, nil
	}

	tok, err := s.fetch(ctx)
	if err != nil {
		return Token{}, err
	}
	s.token = tok
	return tok, nil
}

func (s *AuthServiceSource) fetch(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Token{}, fmt.Errorf("building auth request: %w", err)
	}
	req.SetBasicAuth(s.user, s.password)

	resp, err := s.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("requesting service token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("reading auth response: %w", err)
	}

	tok := ParseToken(strings.TrimSpace(string(body)))
	if !tok.Valid() {
		return Token{}, fmt.Errorf("auth service returned an unparseable token")
	}
	return tok, nil
}

// StaticTokenSource returns a fixed token. Used by tests and single-tenant
// deployments where the service token is provisioned out of band.
type StaticTokenSource struct {
	Token Token
}

// ServiceToken returns the fixed token.
func (s StaticTokenSource) ServiceToken(context.Context) (Token, error) {
	return s.Token, nil
}
