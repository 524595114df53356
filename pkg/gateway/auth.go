package gateway

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
)

// AuthHandler checks the shared secret presented when a client connects.
// An empty secret disables authentication.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether connections must authenticate
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Authenticate accepts "Authorization: Bearer <secret>" or a token query
// parameter, since browsers cannot set headers on websocket upgrades.
func (a *AuthHandler) Authenticate(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}

	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedSecret)) == 1
}

// originChecker builds the upgrader origin policy. Without an allow list only
// same-host origins and non-browser clients are accepted.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimSuffix(origin, "/")] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set["*"] || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
