// Package oauth exchanges credential refresh tokens for short-lived access
// tokens at the AWS SSO OIDC endpoint, caching them per credential and
// coalescing concurrent refreshes.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
	"golang.org/x/sync/singleflight"

	"kiroproxy/credential"
)

const (
	// refreshTimeout bounds one token exchange HTTP call.
	refreshTimeout = 10 * time.Second

	// expirySkew refreshes tokens this long before their actual expiry.
	expirySkew = 60 * time.Second

	// defaultRegion is used when a credential has no auth region.
	defaultRegion = "us-east-1"

	// publicClientID is the registration Kiro desktop uses for social and
	// Builder ID sign-ins. IdC credentials carry their own client id and
	// secret; social credentials may override this via their clientId field.
	publicClientID = "kiro-prod-public-client"
)

// AuthInvalidError reports a refresh the identity provider rejected
// outright (4xx). The credential is at fault; retrying with the same
// refresh token will not help.
type AuthInvalidError struct {
	StatusCode int
	Err        error
}

func (e *AuthInvalidError) Error() string {
	return fmt.Sprintf("token refresh rejected (status %d): %v", e.StatusCode, e.Err)
}

func (e *AuthInvalidError) Unwrap() error {
	return e.Err
}

// tokenRequest is the SSO OIDC CreateToken body.
type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	GrantType    string `json:"grantType"`
	RefreshToken string `json:"refreshToken"`
}

// tokenResponse is its reply.
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	ExpiresIn    int    `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// TokenStore receives refreshed tokens for caching and, on rotation, the
// replacement refresh token. Implemented by credential.Store.
type TokenStore interface {
	UpdateToken(id int64, accessToken string, expiry time.Time, newRefreshToken string) error
}

// Refresher caches access tokens per credential and performs single-flight
// refreshes against the credential's auth region.
type Refresher struct {
	store           TokenStore
	defaultClientID string
	group           singleflight.Group

	mu      sync.Mutex
	tokens  map[int64]cachedToken
	clients map[string]*http.Client

	// endpoint overrides the OIDC URL in tests.
	endpoint func(authRegion string) string
}

// NewRefresher builds a refresher. clientID overrides the built-in public
// client id for social/builderId credentials; empty keeps the default.
func NewRefresher(store TokenStore, clientID string) *Refresher {
	if clientID == "" {
		clientID = publicClientID
	}
	return &Refresher{
		store:           store,
		defaultClientID: clientID,
		tokens:          make(map[int64]cachedToken),
		clients:         make(map[string]*http.Client),
		endpoint: func(authRegion string) string {
			return fmt.Sprintf("https://oidc.%s.amazonaws.com/token", authRegion)
		},
	}
}

// GetToken returns a bearer token for the credential, refreshing when the
// cached one is absent, stale, or force is set. Concurrent refreshes for
// the same credential share one upstream exchange.
func (r *Refresher) GetToken(ctx context.Context, cred *credential.Credential, force bool) (string, error) {
	if !force {
		if tok, ok := r.cached(cred); ok {
			return tok, nil
		}
	}

	key := strconv.FormatInt(cred.ID, 10)
	v, err, _ := r.group.Do(key, func() (any, error) {
		// A caller queued behind the winner reads its result.
		if !force {
			if tok, ok := r.cachedLocal(cred.ID); ok {
				return tok, nil
			}
		}
		return r.refresh(ctx, cred)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next GetToken refreshes. Used
// when upstream rejects a token that has not yet expired.
func (r *Refresher) Invalidate(id int64) {
	r.mu.Lock()
	delete(r.tokens, id)
	r.mu.Unlock()
	if err := r.store.UpdateToken(id, "", time.Time{}, ""); err != nil {
		logger.LogErr(err, "failed to clear cached token")
	}
}

// cached consults the local cache first, then the token carried on the
// credential snapshot.
func (r *Refresher) cached(cred *credential.Credential) (string, bool) {
	if tok, ok := r.cachedLocal(cred.ID); ok {
		return tok, true
	}
	if cred.AccessToken != "" && time.Now().Add(expirySkew).Before(cred.TokenExpiry) {
		return cred.AccessToken, true
	}
	return "", false
}

func (r *Refresher) cachedLocal(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct, ok := r.tokens[id]
	if !ok || ct.token == "" {
		return "", false
	}
	if !time.Now().Add(expirySkew).Before(ct.expiry) {
		return "", false
	}
	return ct.token, true
}

func (r *Refresher) refresh(ctx context.Context, cred *credential.Credential) (string, error) {
	req := tokenRequest{
		ClientID:     cred.ClientID,
		GrantType:    "refresh_token",
		RefreshToken: cred.RefreshToken,
	}
	if req.ClientID == "" {
		req.ClientID = r.defaultClientID
	}
	if cred.AuthMethod == credential.AuthIdC {
		req.ClientSecret = cred.ClientSecret
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", serr.Wrap(err, "failed to marshal token request")
	}

	region := cred.AuthRegion
	if region == "" {
		region = defaultRegion
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(region), bytes.NewReader(body))
	if err != nil {
		return "", serr.Wrap(err, "failed to build token request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	logger.Debug("Refreshing access token", "id", cred.ID, "fingerprint", cred.Fingerprint(), "region", region)

	resp, err := r.client(cred).Do(httpReq)
	if err != nil {
		return "", serr.Wrap(err, "token refresh request failed", "id", strconv.FormatInt(cred.ID, 10))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the log line; it never reaches
		// clients.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := serr.New("token endpoint returned " + resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			logger.Warn("Token refresh rejected", "id", cred.ID, "fingerprint", cred.Fingerprint(),
				"status", resp.StatusCode, "body", string(snippet))
			return "", &AuthInvalidError{StatusCode: resp.StatusCode, Err: err}
		}
		return "", serr.Wrap(err, "token refresh failed upstream", "status", strconv.Itoa(resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", serr.Wrap(err, "failed to decode token response")
	}
	if tr.AccessToken == "" {
		return "", serr.New("token response missing accessToken")
	}

	expiry := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	r.mu.Lock()
	r.tokens[cred.ID] = cachedToken{token: tr.AccessToken, expiry: expiry}
	r.mu.Unlock()

	if err := r.store.UpdateToken(cred.ID, tr.AccessToken, expiry, tr.RefreshToken); err != nil {
		logger.LogErr(err, "failed to persist refreshed token")
	}

	logger.Info("Access token refreshed", "id", cred.ID, "fingerprint", cred.Fingerprint(),
		"expiresIn", tr.ExpiresIn)
	return tr.AccessToken, nil
}

// client returns the pooled HTTP client for the credential's proxy, or the
// direct one when it has none.
func (r *Refresher) client(cred *credential.Credential) *http.Client {
	key := cred.ProxyURL
	if key != "" && cred.ProxyUser != "" {
		key += "|" + cred.ProxyUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c
	}

	c := &http.Client{Timeout: refreshTimeout}
	if cred.ProxyURL != "" {
		if u, err := url.Parse(cred.ProxyURL); err == nil {
			if cred.ProxyUser != "" {
				u.User = url.UserPassword(cred.ProxyUser, cred.ProxyPass)
			}
			c.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
		} else {
			logger.Warn("Invalid proxy URL, refreshing without proxy", "id", cred.ID)
		}
	}
	r.clients[key] = c
	return c
}
