package credential

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// Persister stores credentials durably. LoadAll is called once at startup;
// Save and Remove after each mutation. Implementations must be safe for
// concurrent use.
type Persister interface {
	LoadAll() ([]*Credential, error)
	Save(c *Credential) error
	Remove(id int64) error
}

// NotifyFunc receives disable transitions. It must not block.
type NotifyFunc func(DisabledEvent)

// Store is the in-memory credential pool. All mutations run under one
// mutex; persistence and notification happen outside the critical section
// on copies.
type Store struct {
	mu        sync.Mutex
	creds     []*Credential
	byHash    map[string]int64
	nextID    int64
	mode      string
	cursor    int
	persister Persister
	notify    NotifyFunc
}

// NewStore loads all persisted credentials into a pool. mode is
// ModePriority or ModeRoundRobin. notify may be nil.
func NewStore(p Persister, mode string, notify NotifyFunc) (*Store, error) {
	if mode == "" {
		mode = ModePriority
	}
	if mode != ModePriority && mode != ModeRoundRobin {
		return nil, serr.New("unknown load balancing mode: " + mode)
	}

	creds, err := p.LoadAll()
	if err != nil {
		return nil, serr.Wrap(err, "failed to load credentials")
	}

	s := &Store{
		creds:     creds,
		byHash:    make(map[string]int64, len(creds)),
		nextID:    1,
		mode:      mode,
		persister: p,
		notify:    notify,
	}
	for _, c := range creds {
		if c.AuthMethod == "" {
			c.AuthMethod = AuthSocial
		}
		if c.ID >= s.nextID {
			s.nextID = c.ID + 1
		}
		s.byHash[fingerprintFull(c.RefreshToken)] = c.ID
	}
	logger.Info("Credential pool loaded", "count", len(creds), "mode", mode)
	return s, nil
}

// List returns admin snapshots ordered by priority then id.
func (s *Store) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of the credential with the given id.
func (s *Store) Get(id int64) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(id)
	if c == nil {
		return nil, false
	}
	return c.clone(), true
}

// Counts reports total and currently selectable credentials.
func (s *Store) Counts() (total, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

func (s *Store) countsLocked() (total, available int) {
	total = len(s.creds)
	for _, c := range s.creds {
		if c.Eligible() {
			available++
		}
	}
	return total, available
}

// Add inserts a new credential, assigns the next id and persists it.
// Duplicates are rejected by the SHA-256 of the refresh token.
func (s *Store) Add(c *Credential) (int64, error) {
	if c.RefreshToken == "" {
		return 0, serr.New("refresh token is required")
	}
	switch c.AuthMethod {
	case "":
		c.AuthMethod = AuthSocial
	case AuthSocial, AuthBuilderID:
	case AuthIdC:
		if c.ClientID == "" || c.ClientSecret == "" {
			return 0, serr.New("idc credentials require clientId and clientSecret")
		}
	default:
		return 0, serr.New("unknown auth method: " + c.AuthMethod)
	}

	hash := fingerprintFull(c.RefreshToken)

	s.mu.Lock()
	if dup, ok := s.byHash[hash]; ok {
		s.mu.Unlock()
		return 0, serr.New("credential already exists", "id", strconv.FormatInt(dup, 10))
	}
	c.ID = s.nextID
	s.nextID++
	s.byHash[hash] = c.ID
	s.creds = append(s.creds, c.clone())
	cp := c.clone()
	s.mu.Unlock()

	if err := s.persister.Save(cp); err != nil {
		return cp.ID, serr.Wrap(err, "failed to persist credential", "id", strconv.FormatInt(cp.ID, 10))
	}
	logger.Info("Credential added", "id", cp.ID, "fingerprint", cp.Fingerprint(), "authMethod", cp.AuthMethod)
	return cp.ID, nil
}

// Delete removes a credential. Only disabled credentials may be deleted.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	c := s.find(id)
	if c == nil {
		s.mu.Unlock()
		return serr.New("credential not found", "id", strconv.FormatInt(id, 10))
	}
	if !c.Disabled {
		s.mu.Unlock()
		return serr.New("credential must be disabled before deletion", "id", strconv.FormatInt(id, 10))
	}
	delete(s.byHash, fingerprintFull(c.RefreshToken))
	for i, cc := range s.creds {
		if cc.ID == id {
			s.creds = append(s.creds[:i], s.creds[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := s.persister.Remove(id); err != nil {
		return serr.Wrap(err, "failed to remove persisted credential", "id", strconv.FormatInt(id, 10))
	}
	logger.Info("Credential deleted", "id", id)
	return nil
}

// SetDisabled flips the manual disable flag. Enabling clears the reason but
// keeps the failure count; ResetFailures clears that.
func (s *Store) SetDisabled(id int64, disabled bool) error {
	return s.update(id, func(c *Credential) {
		c.Disabled = disabled
		if disabled {
			c.DisabledReason = ReasonManual
		} else {
			c.DisabledReason = ""
		}
	})
}

// SetPriority updates the selection priority (lower is preferred).
func (s *Store) SetPriority(id int64, priority int) error {
	return s.update(id, func(c *Credential) {
		c.Priority = priority
	})
}

// ResetFailures zeroes the failure counter and re-enables the credential
// when it had been disabled automatically.
func (s *Store) ResetFailures(id int64) error {
	return s.update(id, func(c *Credential) {
		c.FailureCount = 0
		if c.DisabledReason == ReasonTooManyFailures || c.DisabledReason == ReasonQuotaExceeded {
			c.Disabled = false
			c.DisabledReason = ""
		}
	})
}

// RecordSuccess resets the failure counter, bumps the success count and
// stamps last-used. Persist errors are logged, not returned; the request
// already succeeded.
func (s *Store) RecordSuccess(id int64) {
	err := s.update(id, func(c *Credential) {
		c.FailureCount = 0
		c.SuccessCount++
		c.LastUsed = time.Now()
	})
	if err != nil {
		logger.LogErr(err, "failed to record credential success")
	}
}

// RecordFailure increments the failure counter. Reaching FailureThreshold
// disables the credential and fires the notify callback.
func (s *Store) RecordFailure(id int64) {
	var ev *DisabledEvent

	err := s.updateWith(id, func(c *Credential) {
		c.FailureCount++
		if c.FailureCount >= FailureThreshold && !c.Disabled {
			c.Disabled = true
			c.DisabledReason = ReasonTooManyFailures
			ev = &DisabledEvent{CredentialID: c.ID, Reason: ReasonTooManyFailures, Email: c.Email, Time: time.Now()}
		}
	}, &ev)
	if err != nil {
		logger.LogErr(err, "failed to record credential failure")
		return
	}
	if ev != nil {
		logger.Warn("Credential disabled after repeated failures", "id", id)
		if s.notify != nil {
			s.notify(*ev)
		}
	}
}

// MarkQuotaExceeded disables the credential immediately without touching
// the failure counter.
func (s *Store) MarkQuotaExceeded(id int64) {
	var ev *DisabledEvent

	err := s.updateWith(id, func(c *Credential) {
		if c.Disabled {
			return
		}
		c.Disabled = true
		c.DisabledReason = ReasonQuotaExceeded
		ev = &DisabledEvent{CredentialID: c.ID, Reason: ReasonQuotaExceeded, Email: c.Email, Time: time.Now()}
	}, &ev)
	if err != nil {
		logger.LogErr(err, "failed to mark credential quota exceeded")
		return
	}
	if ev != nil {
		logger.Warn("Credential disabled: quota exceeded", "id", id)
		if s.notify != nil {
			s.notify(*ev)
		}
	}
}

// UpdateToken stores a freshly minted access token and, when the provider
// rotated it, the new refresh token.
func (s *Store) UpdateToken(id int64, accessToken string, expiry time.Time, newRefreshToken string) error {
	return s.update(id, func(c *Credential) {
		c.AccessToken = accessToken
		c.TokenExpiry = expiry
		if newRefreshToken != "" && newRefreshToken != c.RefreshToken {
			delete(s.byHash, fingerprintFull(c.RefreshToken))
			c.RefreshToken = newRefreshToken
			s.byHash[fingerprintFull(newRefreshToken)] = c.ID
			logger.Info("Refresh token rotated", "id", c.ID, "fingerprint", c.Fingerprint())
		}
	})
}

// PickNext selects the preferred eligible credential not in exclude and
// returns a copy. In priority mode the pool is ordered by (priority,
// failure count, last used); in round-robin mode a cursor walks the
// eligible set in id order.
func (s *Store) PickNext(exclude map[int64]bool) (*Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		if !c.Eligible() || exclude[c.ID] {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil, false
	}

	if s.mode == ModeRoundRobin {
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
		c := eligible[s.cursor%len(eligible)]
		s.cursor++
		return c.clone(), true
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		return a.LastUsed.Before(b.LastUsed)
	})
	return eligible[0].clone(), true
}

// SetMode switches the selection mode and resets the round-robin cursor.
func (s *Store) SetMode(mode string) error {
	if mode != ModePriority && mode != ModeRoundRobin {
		return serr.New("unknown load balancing mode: " + mode)
	}
	s.mu.Lock()
	s.mode = mode
	s.cursor = 0
	s.mu.Unlock()
	return nil
}

// Mode returns the current selection mode.
func (s *Store) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// find locates a credential by id. Callers hold the lock.
func (s *Store) find(id int64) *Credential {
	for _, c := range s.creds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// update applies fn to the credential under the lock, then persists a copy
// outside it.
func (s *Store) update(id int64, fn func(*Credential)) error {
	return s.updateWith(id, fn, nil)
}

// updateWith is update plus pool-count stamping of a pending DisabledEvent
// so the notification reflects the post-transition pool.
func (s *Store) updateWith(id int64, fn func(*Credential), ev **DisabledEvent) error {
	s.mu.Lock()
	c := s.find(id)
	if c == nil {
		s.mu.Unlock()
		return serr.New("credential not found", "id", strconv.FormatInt(id, 10))
	}
	fn(c)
	if ev != nil && *ev != nil {
		(*ev).Total, (*ev).Available = s.countsLocked()
	}
	cp := c.clone()
	s.mu.Unlock()

	if err := s.persister.Save(cp); err != nil {
		return serr.Wrap(err, "failed to persist credential", "id", strconv.FormatInt(id, 10))
	}
	return nil
}
