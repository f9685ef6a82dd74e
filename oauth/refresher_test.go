package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"kiroproxy/credential"
)

type tokenUpdate struct {
	id      int64
	access  string
	refresh string
}

// memTokenStore records UpdateToken calls.
type memTokenStore struct {
	mu      sync.Mutex
	updates []tokenUpdate
}

func (s *memTokenStore) UpdateToken(id int64, accessToken string, _ time.Time, newRefreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, tokenUpdate{id: id, access: accessToken, refresh: newRefreshToken})
	return nil
}

func (s *memTokenStore) last(t *testing.T) tokenUpdate {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		t.Fatal("no UpdateToken calls recorded")
	}
	return s.updates[len(s.updates)-1]
}

func testCred(id int64) *credential.Credential {
	return &credential.Credential{
		ID:           id,
		AuthMethod:   credential.AuthSocial,
		RefreshToken: "refresh-token-secret",
	}
}

func newTestRefresher(store TokenStore, endpoint string) *Refresher {
	r := NewRefresher(store, "")
	r.endpoint = func(string) string { return endpoint }
	return r
}

func tokenEndpoint(t *testing.T, calls *int, capture *tokenRequest) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*calls++
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode token request: %v", err)
			}
		}
		mu.Unlock()
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "minted-token",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	}
}

func TestGetTokenUsesCarriedToken(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(tokenEndpoint(t, &calls, nil))
	defer srv.Close()

	store := &memTokenStore{}
	r := newTestRefresher(store, srv.URL)

	cred := testCred(1)
	cred.AccessToken = "carried-token"
	cred.TokenExpiry = time.Now().Add(time.Hour)

	tok, err := r.GetToken(context.Background(), cred, false)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "carried-token" {
		t.Errorf("token = %q, want the carried one", tok)
	}
	if calls != 0 {
		t.Errorf("upstream calls = %d, want 0", calls)
	}
}

func TestGetTokenRefreshesWhenStale(t *testing.T) {
	calls := 0
	var got tokenRequest
	srv := httptest.NewServer(tokenEndpoint(t, &calls, &got))
	defer srv.Close()

	store := &memTokenStore{}
	r := newTestRefresher(store, srv.URL)

	cred := testCred(1)
	cred.AccessToken = "expired-token"
	cred.TokenExpiry = time.Now().Add(10 * time.Second) // inside the skew window

	tok, err := r.GetToken(context.Background(), cred, false)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "minted-token" {
		t.Errorf("token = %q, want minted-token", tok)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
	if got.GrantType != "refresh_token" || got.RefreshToken != "refresh-token-secret" {
		t.Errorf("token request = %+v", got)
	}
	if got.ClientID != publicClientID {
		t.Errorf("clientId = %q, want the public client default", got.ClientID)
	}
	if got.ClientSecret != "" {
		t.Errorf("social refresh sent a client secret: %q", got.ClientSecret)
	}

	up := store.last(t)
	if up.id != 1 || up.access != "minted-token" {
		t.Errorf("UpdateToken = %+v", up)
	}
}

func TestGetTokenCachesMintedToken(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(tokenEndpoint(t, &calls, nil))
	defer srv.Close()

	r := newTestRefresher(&memTokenStore{}, srv.URL)
	cred := testCred(1)

	for i := 0; i < 3; i++ {
		if _, err := r.GetToken(context.Background(), cred, false); err != nil {
			t.Fatalf("GetToken #%d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (cache hit after first)", calls)
	}

	if _, err := r.GetToken(context.Background(), cred, true); err != nil {
		t.Fatalf("GetToken force: %v", err)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2 after force", calls)
	}
}

func TestGetTokenSingleFlight(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "minted-token", ExpiresIn: 3600})
	}))
	defer srv.Close()

	r := newTestRefresher(&memTokenStore{}, srv.URL)
	cred := testCred(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.GetToken(context.Background(), cred, false); err != nil {
				t.Errorf("GetToken: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 shared refresh", calls)
	}
}

func TestGetTokenRotatesRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "minted-token",
			ExpiresIn:    3600,
			RefreshToken: "rotated-refresh",
		})
	}))
	defer srv.Close()

	store := &memTokenStore{}
	r := newTestRefresher(store, srv.URL)

	if _, err := r.GetToken(context.Background(), testCred(7), false); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	up := store.last(t)
	if up.refresh != "rotated-refresh" {
		t.Errorf("rotated refresh token = %q, want rotated-refresh", up.refresh)
	}
}

func TestGetTokenAuthInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	r := newTestRefresher(&memTokenStore{}, srv.URL)

	_, err := r.GetToken(context.Background(), testCred(1), false)
	var aie *AuthInvalidError
	if !errors.As(err, &aie) {
		t.Fatalf("err = %v, want AuthInvalidError", err)
	}
	if aie.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", aie.StatusCode)
	}
	if strings.Contains(err.Error(), "refresh-token-secret") {
		t.Error("error text leaks the refresh token")
	}
}

func TestGetTokenServerErrorIsNotAuthInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oidc down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newTestRefresher(&memTokenStore{}, srv.URL)

	_, err := r.GetToken(context.Background(), testCred(1), false)
	if err == nil {
		t.Fatal("expected error")
	}
	var aie *AuthInvalidError
	if errors.As(err, &aie) {
		t.Errorf("5xx classified as AuthInvalidError: %v", err)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(tokenEndpoint(t, &calls, nil))
	defer srv.Close()

	store := &memTokenStore{}
	r := newTestRefresher(store, srv.URL)
	cred := testCred(1)

	if _, err := r.GetToken(context.Background(), cred, false); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	r.Invalidate(cred.ID)

	up := store.last(t)
	if up.access != "" {
		t.Errorf("Invalidate should clear the stored token, got %q", up.access)
	}

	if _, err := r.GetToken(context.Background(), cred, false); err != nil {
		t.Fatalf("GetToken after invalidate: %v", err)
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

func TestIdCRefreshSendsClientSecret(t *testing.T) {
	calls := 0
	var got tokenRequest
	srv := httptest.NewServer(tokenEndpoint(t, &calls, &got))
	defer srv.Close()

	r := newTestRefresher(&memTokenStore{}, srv.URL)

	cred := testCred(1)
	cred.AuthMethod = credential.AuthIdC
	cred.ClientID = "idc-client"
	cred.ClientSecret = "idc-secret"

	if _, err := r.GetToken(context.Background(), cred, false); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.ClientID != "idc-client" || got.ClientSecret != "idc-secret" {
		t.Errorf("token request = %+v, want idc client pair", got)
	}
}
