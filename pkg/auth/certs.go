package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bvbrc/workspace/internal/logger"
)

// CertCache verifies token signatures against issuer public keys. Keys are
// fetched once per signing-subject URL and cached indefinitely; the cache is
// written at most once per signer and read under a shared lock.
type CertCache struct {
	client *http.Client

	mu    sync.RWMutex
	certs map[string]*rsa.PublicKey
}

// NewCertCache creates a CertCache using the given HTTP client, or a default
// client with a 30s timeout when nil.
func NewCertCache(client *http.Client) *CertCache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CertCache{
		client: client,
		certs:  make(map[string]*rsa.PublicKey),
	}
}

// signingSubjectDoc is the shape of the issuer's published key document.
type signingSubjectDoc struct {
	PubKey string `json:"pubkey"`
}

// Validate reports whether tok carries a verifiable signature: the token
// parsed completely, has not expired, and its signature verifies against the
// signing subject's published RSA key. Fetch or verification failures are
// logged and reported as invalid, never as request-fatal errors.
func (c *CertCache) Validate(ctx context.Context, tok *Token) bool {
	if !tok.Valid() {
		return false
	}
	if tok.IsExpired() {
		logger.DebugCtx(ctx, "token expired", logger.KeyCaller, tok.User())
		return false
	}

	key, err := c.signingKey(ctx, tok.SigningSubject())
	if err != nil {
		logger.WarnCtx(ctx, "failed to obtain signing key",
			"signing_subject", tok.SigningSubject(), logger.KeyError, err)
		return false
	}

	sum := sha1.Sum([]byte(tok.Text()))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA1, sum[:], tok.Signature()); err != nil {
		logger.DebugCtx(ctx, "token signature verification failed",
			logger.KeyCaller, tok.User(), logger.KeyError, err)
		return false
	}
	return true
}

// signingKey returns the cached key for url, fetching it on first use.
func (c *CertCache) signingKey(ctx context.Context, url string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.certs[url]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := c.fetchKey(ctx, url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Another request may have raced the fetch; first write wins.
	if cached, ok := c.certs[url]; ok {
		key = cached
	} else {
		c.certs[url] = key
	}
	c.mu.Unlock()
	return key, nil
}

func (c *CertCache) fetchKey(ctx context.Context, url string) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building signing subject request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching signing subject: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing subject %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading signing subject response: %w", err)
	}

	var doc signingSubjectDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding signing subject document: %w", err)
	}
	return parsePublicKey(doc.PubKey)
}

func parsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("signing subject document carries no PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, want RSA", pub)
	}
	return rsaKey, nil
}
