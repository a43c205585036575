package relay

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"chatstream/internal/domain"
)

// ClientInfo holds metadata about an authenticated relay client.
type ClientInfo struct {
	Name string
}

// Authenticator validates relay callers.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens. Clients
// are named after the position of their token.
func NewStaticTokenAuth(tokens []string) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(tok),
			info:  &ClientInfo{Name: fmt.Sprintf("token-%d", i+1)},
		})
	}
	return a
}

// Authenticate returns client info if the token is valid. Every entry is
// compared so the loop does not leak which token matched.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrRelayAuthFailed
	}
	tokenBytes := []byte(token)
	var found *ClientInfo
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && found == nil {
			found = e.info
		}
	}
	if found == nil {
		return nil, domain.ErrRelayAuthFailed
	}
	return found, nil
}

// anonymous is the client of a relay running without tokens.
var anonymous = &ClientInfo{Name: "anonymous"}

// bearerToken extracts the token from the Authorization header. Browsers
// cannot set headers on WebSocket upgrades, so allowQuery also accepts a
// token query parameter.
func bearerToken(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}
