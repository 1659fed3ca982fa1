// Package identity resolves an incoming request to a stable pseudonymous
// user key. An explicit session token always wins over the IP/User-Agent
// fingerprint, so a returning visitor keeps their balance even when their
// address changes.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionCookie is the cookie carrying the explicit session token.
const SessionCookie = "fitsa_session"

// keyLength is the number of hex characters kept from the fingerprint
// digest. Long enough for uniqueness, short enough for log readability.
const keyLength = 16

// Identity is a tagged request identity: either an explicit key (session
// token) or a client fingerprint still to be hashed.
type Identity struct {
	key       string
	ip        string
	userAgent string
}

// ByKey wraps an explicit, already-stable user key.
func ByKey(key string) Identity {
	return Identity{key: strings.TrimSpace(key)}
}

// ByFingerprint derives an identity from the client address and user agent.
func ByFingerprint(ip, userAgent string) Identity {
	return Identity{ip: ip, userAgent: userAgent}
}

// UserKey resolves the identity to the opaque ledger key.
func (id Identity) UserKey() string {
	if id.key != "" {
		return id.key
	}
	sum := sha256.Sum256([]byte(id.ip + ":" + id.userAgent))
	return hex.EncodeToString(sum[:])[:keyLength]
}

// FromRequest resolves the request to an Identity, preferring the session
// cookie over the derived fingerprint.
func FromRequest(r *http.Request) Identity {
	if c, err := r.Cookie(SessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return ByKey(c.Value)
	}
	return ByFingerprint(clientIP(r), r.UserAgent())
}

// EnsureSession resolves the request identity and, when no session cookie is
// present yet, issues one bound to the resolved key so the identity stays
// stable across address changes. Deterministic within a session either way.
func EnsureSession(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return ByKey(c.Value).UserKey()
	}
	key := ByFingerprint(clientIP(r), r.UserAgent()).UserKey()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    key,
		Path:     "/",
		Expires:  time.Now().Add(365 * 24 * time.Hour),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}

// NewSessionToken mints a fresh opaque session value.
func NewSessionToken() string {
	return uuid.NewString()
}

// clientIP extracts the originating address, honouring X-Forwarded-For the
// way the upstream proxy populates it (first hop).
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
