// Package auth implements bearer token parsing and verification for the
// workspace service.
//
// Tokens are |-separated key=value strings carrying the user id (un), the
// URL of the issuer's public key document (SigningSubject), an expiry in
// unix seconds, and a hex-encoded RSA signature (sig) over the canonical
// form of the token (the token with the sig segment removed). Signing keys
// are fetched lazily per signer URL and cached for the life of the process.
package auth

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Token is a parsed bearer token. The zero value is invalid.
type Token struct {
	raw       string
	parts     map[string]string
	text      string // canonical signed form (token minus the sig segment)
	signature []byte // decoded from the sig field

	valid bool
}

// ParseToken parses a bearer string. The returned token is valid only when
// all of un, SigningSubject, expiry and sig are present and non-empty; a
// token that fails to parse is returned with Valid() == false rather than an
// error, since a missing or mangled token merely downgrades the request to
// anonymous.
func ParseToken(s string) Token {
	tok := Token{raw: s, parts: make(map[string]string)}

	var canonical []string
	for _, seg := range strings.Split(s, "|") {
		k, v, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		v = strings.TrimSuffix(v, "\n")
		tok.parts[k] = v
		if k != "sig" {
			canonical = append(canonical, k+"="+v)
		}
	}
	tok.text = strings.Join(canonical, "|")

	sig, err := hex.DecodeString(tok.parts["sig"])
	if err != nil {
		return tok
	}
	tok.signature = sig

	if tok.parts["un"] != "" &&
		tok.parts["SigningSubject"] != "" &&
		tok.parts["expiry"] != "" &&
		tok.parts["sig"] != "" {
		tok.valid = true
	}
	return tok
}

// Valid reports whether the token parsed completely. A token may be
// invalidated later if signature verification fails.
func (t *Token) Valid() bool { return t.valid }

// Invalidate marks the token invalid after a failed verification.
func (t *Token) Invalidate() { t.valid = false }

// Clear resets the token to the zero (invalid) state.
func (t *Token) Clear() { *t = Token{} }

// User returns the user identifier (the un field).
func (t *Token) User() string { return t.parts["un"] }

// SigningSubject returns the URL of the issuer's public key document.
func (t *Token) SigningSubject() string { return t.parts["SigningSubject"] }

// Raw returns the original bearer string, as presented by the client. This
// is what goes into Authorization headers on outbound requests.
func (t *Token) Raw() string { return t.raw }

// Text returns the canonical signed form of the token.
func (t *Token) Text() string { return t.text }

// Signature returns the decoded binary signature.
func (t *Token) Signature() []byte { return t.signature }

// Expiry returns the expiration time carried by the token.
func (t *Token) Expiry() time.Time {
	sec, err := strconv.ParseInt(t.parts["expiry"], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// IsExpired reports whether the token's expiry has passed.
func (t *Token) IsExpired() bool {
	return t.Expiry().Before(time.Now())
}

// String renders the token for logging without leaking its signature.
func (t *Token) String() string {
	if !t.valid {
		return "InvalidToken()"
	}
	if t.IsExpired() {
		return "ExpiredToken(" + t.User() + ")"
	}
	return "Token(" + t.User() + ")"
}
