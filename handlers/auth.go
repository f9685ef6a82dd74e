package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rohanthewiz/rweb"

	"kiroproxy/anthropic"
	"kiroproxy/config"
)

// requestKey pulls the caller's key from the x-api-key header or a bearer
// Authorization header.
func requestKey(c rweb.Context) string {
	if k := c.Request().Header("X-Api-Key"); k != "" {
		return k
	}
	return bearerToken(c.Request().Header("Authorization"))
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// keyMatches compares keys in constant time. An empty key on either side
// never matches.
func keyMatches(got, want string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// clientAuth guards the /v1 endpoints with the configured client key. With
// no key configured the proxy is open, which suits single-user local runs.
func clientAuth(h func(rweb.Context) error) func(rweb.Context) error {
	return func(c rweb.Context) error {
		key := config.Get().APIKey
		if key == "" || keyMatches(requestKey(c), key) {
			return h(c)
		}
		return writeError(c, http.StatusUnauthorized, anthropic.ErrTypeAuthentication, "invalid or missing api key")
	}
}

// adminAuth guards the admin surface. While no admin key is configured the
// surface stays hidden behind 404s. The key is accepted from x-admin-key,
// the shared header forms, or a key query parameter (used by the status
// page).
func adminAuth(h func(rweb.Context) error) func(rweb.Context) error {
	return func(c rweb.Context) error {
		key := config.Get().AdminAPIKey
		if key == "" {
			c.Response().SetStatus(http.StatusNotFound)
			return c.WriteJSON(adminError("not_found", "admin api is disabled"))
		}
		got := c.Request().Header("X-Admin-Key")
		if got == "" {
			got = requestKey(c)
		}
		if got == "" {
			got = c.Request().QueryParam("key")
		}
		if !keyMatches(got, key) {
			c.Response().SetStatus(http.StatusUnauthorized)
			return c.WriteJSON(adminError("authentication_error", "Invalid or missing admin API key"))
		}
		return h(c)
	}
}

// writeError emits the Anthropic error envelope with the given status.
func writeError(c rweb.Context, status int, errType, message string) error {
	c.Response().SetStatus(status)
	return c.WriteJSON(anthropic.NewErrorResponse(errType, message))
}
