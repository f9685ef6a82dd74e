package credential

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newStoreAt(t *testing.T, path string, notify NotifyFunc) *Store {
	t.Helper()
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store, err := NewStore(fs, ModePriority, notify)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return newStoreAt(t, filepath.Join(t.TempDir(), "credentials.json"), nil)
}

func mustAdd(t *testing.T, s *Store, c *Credential) int64 {
	t.Helper()
	id, err := s.Add(c)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return id
}

func TestStoreAddAssignsIDsAndDefaults(t *testing.T) {
	s := newStore(t)

	id1 := mustAdd(t, s, &Credential{RefreshToken: "tok-1"})
	id2 := mustAdd(t, s, &Credential{RefreshToken: "tok-2", AuthMethod: AuthBuilderID})
	if id1 != 1 || id2 != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", id1, id2)
	}

	c, ok := s.Get(id1)
	if !ok {
		t.Fatal("Get: credential missing")
	}
	if c.AuthMethod != AuthSocial {
		t.Errorf("auth method = %q, want social default", c.AuthMethod)
	}

	// Get hands out a copy; mutating it must not touch the pool.
	c.Priority = 99
	again, _ := s.Get(id1)
	if again.Priority == 99 {
		t.Error("Get returned a shared pointer into the pool")
	}
}

func TestStoreAddValidation(t *testing.T) {
	tests := []struct {
		name string
		cred Credential
	}{
		{name: "missing refresh token", cred: Credential{}},
		{name: "idc without client secret", cred: Credential{RefreshToken: "t", AuthMethod: AuthIdC, ClientID: "c"}},
		{name: "unknown auth method", cred: Credential{RefreshToken: "t", AuthMethod: "ldap"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			if _, err := s.Add(&tc.cred); err == nil {
				t.Error("Add accepted an invalid credential")
			}
		})
	}
}

func TestStoreAddRejectsDuplicates(t *testing.T) {
	s := newStore(t)
	mustAdd(t, s, &Credential{RefreshToken: "same-token"})

	if _, err := s.Add(&Credential{RefreshToken: "same-token", Priority: 5}); err == nil {
		t.Fatal("duplicate refresh token accepted")
	}
	if total, _ := s.Counts(); total != 1 {
		t.Errorf("total = %d after rejected duplicate", total)
	}
}

func TestStoreDeleteRequiresDisabled(t *testing.T) {
	s := newStore(t)
	id := mustAdd(t, s, &Credential{RefreshToken: "tok"})

	if err := s.Delete(id); err == nil {
		t.Fatal("Delete succeeded on an enabled credential")
	}

	if err := s.SetDisabled(id, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(id); ok {
		t.Error("credential still present after delete")
	}

	// The slot is free for the same token again.
	if _, err := s.Add(&Credential{RefreshToken: "tok"}); err != nil {
		t.Errorf("re-adding deleted token: %v", err)
	}
}

func TestStoreFailureThresholdDisablesAndNotifies(t *testing.T) {
	var mu sync.Mutex
	var events []DisabledEvent
	notify := func(ev DisabledEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	s := newStoreAt(t, filepath.Join(t.TempDir(), "credentials.json"), notify)
	id := mustAdd(t, s, &Credential{RefreshToken: "tok", Email: "ops@example.com"})
	mustAdd(t, s, &Credential{RefreshToken: "tok-2"})

	for i := 0; i < FailureThreshold; i++ {
		s.RecordFailure(id)
	}

	c, _ := s.Get(id)
	if !c.Disabled || c.DisabledReason != ReasonTooManyFailures {
		t.Errorf("credential = disabled %v reason %q, want too_many_failures", c.Disabled, c.DisabledReason)
	}
	if _, available := s.Counts(); available != 1 {
		t.Errorf("available = %d, want 1", available)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly 1", len(events))
	}
	ev := events[0]
	if ev.CredentialID != id || ev.Reason != ReasonTooManyFailures || ev.Email != "ops@example.com" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Total != 2 || ev.Available != 1 {
		t.Errorf("event pool counts = %d/%d, want 1/2 available/total", ev.Available, ev.Total)
	}
}

func TestStoreSuccessResetsFailures(t *testing.T) {
	s := newStore(t)
	id := mustAdd(t, s, &Credential{RefreshToken: "tok"})

	s.RecordFailure(id)
	s.RecordFailure(id)
	s.RecordSuccess(id)

	c, _ := s.Get(id)
	if c.FailureCount != 0 || c.SuccessCount != 1 {
		t.Errorf("counters = failure %d success %d, want 0 and 1", c.FailureCount, c.SuccessCount)
	}
	if c.LastUsed.IsZero() {
		t.Error("last used not stamped")
	}
}

func TestStoreResetFailuresReenables(t *testing.T) {
	s := newStore(t)
	id := mustAdd(t, s, &Credential{RefreshToken: "tok"})

	for i := 0; i < FailureThreshold; i++ {
		s.RecordFailure(id)
	}
	if err := s.ResetFailures(id); err != nil {
		t.Fatalf("ResetFailures: %v", err)
	}

	c, _ := s.Get(id)
	if c.Disabled || c.FailureCount != 0 || c.DisabledReason != "" {
		t.Errorf("credential after reset = %+v", c)
	}
}

func TestStoreResetFailuresKeepsManualDisable(t *testing.T) {
	s := newStore(t)
	id := mustAdd(t, s, &Credential{RefreshToken: "tok"})

	if err := s.SetDisabled(id, true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if err := s.ResetFailures(id); err != nil {
		t.Fatalf("ResetFailures: %v", err)
	}

	c, _ := s.Get(id)
	if !c.Disabled || c.DisabledReason != ReasonManual {
		t.Errorf("manual disable lost on reset: %+v", c)
	}
}

func TestStoreMarkQuotaExceeded(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	s := newStoreAt(t, filepath.Join(t.TempDir(), "credentials.json"), func(DisabledEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	id := mustAdd(t, s, &Credential{RefreshToken: "tok"})

	s.MarkQuotaExceeded(id)
	s.MarkQuotaExceeded(id) // already disabled, no second event

	c, _ := s.Get(id)
	if !c.Disabled || c.DisabledReason != ReasonQuotaExceeded {
		t.Errorf("credential = %+v, want quota_exceeded disable", c)
	}
	if c.FailureCount != 0 {
		t.Errorf("failure count = %d, quota disable must not count", c.FailureCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("notify calls = %d, want 1", calls)
	}
}

func TestStorePickNextPriority(t *testing.T) {
	s := newStore(t)
	low := mustAdd(t, s, &Credential{RefreshToken: "tok-low", Priority: 1})
	high := mustAdd(t, s, &Credential{RefreshToken: "tok-high", Priority: 0})

	c, ok := s.PickNext(nil)
	if !ok || c.ID != high {
		t.Fatalf("PickNext = %+v, want priority 0 credential %d", c, high)
	}

	c, ok = s.PickNext(map[int64]bool{high: true})
	if !ok || c.ID != low {
		t.Fatalf("PickNext with exclusion = %+v, want %d", c, low)
	}

	if _, ok := s.PickNext(map[int64]bool{high: true, low: true}); ok {
		t.Error("PickNext returned a credential with the whole pool excluded")
	}
}

func TestStorePickNextPrefersFewerFailures(t *testing.T) {
	s := newStore(t)
	a := mustAdd(t, s, &Credential{RefreshToken: "tok-a"})
	b := mustAdd(t, s, &Credential{RefreshToken: "tok-b"})

	s.RecordFailure(a)

	c, ok := s.PickNext(nil)
	if !ok || c.ID != b {
		t.Errorf("PickNext = %d, want %d (fewer failures)", c.ID, b)
	}
}

func TestStorePickNextRoundRobin(t *testing.T) {
	s := newStore(t)
	a := mustAdd(t, s, &Credential{RefreshToken: "tok-a", Priority: 0})
	b := mustAdd(t, s, &Credential{RefreshToken: "tok-b", Priority: 9})

	if err := s.SetMode(ModeRoundRobin); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	var order []int64
	for i := 0; i < 4; i++ {
		c, ok := s.PickNext(nil)
		if !ok {
			t.Fatal("PickNext: pool empty")
		}
		order = append(order, c.ID)
	}
	want := []int64{a, b, a, b}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("round robin order = %v, want %v", order, want)
		}
	}
}

func TestStoreModeValidation(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := NewStore(fs, "weighted", nil); err == nil {
		t.Error("NewStore accepted an unknown mode")
	}

	s := newStore(t)
	if err := s.SetMode("weighted"); err == nil {
		t.Error("SetMode accepted an unknown mode")
	}
	if got := s.Mode(); got != ModePriority {
		t.Errorf("Mode = %q, want priority", got)
	}
}

func TestStoreUpdateTokenRotation(t *testing.T) {
	s := newStore(t)
	id := mustAdd(t, s, &Credential{RefreshToken: "old-refresh"})

	expiry := time.Now().Add(time.Hour)
	if err := s.UpdateToken(id, "access-1", expiry, "new-refresh"); err != nil {
		t.Fatalf("UpdateToken: %v", err)
	}

	c, _ := s.Get(id)
	if c.AccessToken != "access-1" || c.RefreshToken != "new-refresh" {
		t.Errorf("credential = access %q refresh %q", c.AccessToken, c.RefreshToken)
	}

	// The duplicate index follows the rotation.
	if _, err := s.Add(&Credential{RefreshToken: "old-refresh"}); err != nil {
		t.Errorf("old token should be free after rotation: %v", err)
	}
	if _, err := s.Add(&Credential{RefreshToken: "new-refresh"}); err == nil {
		t.Error("new token accepted as duplicate")
	}
}

func TestStoreReloadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	s1 := newStoreAt(t, path, nil)
	id := mustAdd(t, s1, &Credential{RefreshToken: "tok-1", Priority: 2, Email: "a@example.com"})
	s1.RecordSuccess(id)

	s2 := newStoreAt(t, path, nil)
	c, ok := s2.Get(id)
	if !ok {
		t.Fatal("credential lost across reload")
	}
	if c.Priority != 2 || c.Email != "a@example.com" || c.SuccessCount != 1 {
		t.Errorf("reloaded credential = %+v", c)
	}

	// ID assignment continues past the loaded pool.
	if next := mustAdd(t, s2, &Credential{RefreshToken: "tok-2"}); next != id+1 {
		t.Errorf("next id = %d, want %d", next, id+1)
	}

	// And the duplicate index was rebuilt.
	if _, err := s2.Add(&Credential{RefreshToken: "tok-1"}); err == nil {
		t.Error("duplicate accepted after reload")
	}
}

func TestSnapshotCarriesNoSecrets(t *testing.T) {
	s := newStore(t)
	mustAdd(t, s, &Credential{
		RefreshToken: "super-secret-refresh-token",
		AccessToken:  "super-secret-access-token",
		ProfileArn:   "arn:aws:codewhisperer:us-east-1:1:profile/p",
		ProxyURL:     "http://proxy.local:8080",
	})

	snaps := s.List()
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
	data, err := json.Marshal(snaps)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, secret := range []string{"super-secret-refresh-token", "super-secret-access-token"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("snapshot JSON leaks %q", secret)
		}
	}

	snap := snaps[0]
	if len(snap.Fingerprint) != 8 {
		t.Errorf("fingerprint = %q, want 8 hex chars", snap.Fingerprint)
	}
	if !snap.HasProfileArn || !snap.HasProxy {
		t.Errorf("snapshot flags = %+v", snap)
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "credentials.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	creds, err := fs.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(creds) != 0 {
		t.Errorf("creds = %d, want empty pool", len(creds))
	}
}
