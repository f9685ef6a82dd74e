// Package credential implements the upstream credential pool: typed
// credentials with priority and failure state, selection for the
// dispatcher, and persistence through a pluggable Persister.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// FailureThreshold is the consecutive-failure count at which a credential
// is automatically disabled.
const FailureThreshold = 3

// Auth methods.
const (
	AuthSocial    = "social"
	AuthIdC       = "idc"
	AuthBuilderID = "builderId"
)

// Disable reasons.
const (
	ReasonManual          = "manual"
	ReasonTooManyFailures = "too_many_failures"
	ReasonQuotaExceeded   = "quota_exceeded"
)

// Load balancing modes.
const (
	ModePriority   = "priority"
	ModeRoundRobin = "roundRobin"
)

// Credential is one upstream OAuth identity. The refresh token is the
// long-lived secret; the access token is a short-lived cache refreshed on
// demand. Refresh tokens must never appear in logs or client responses;
// use Fingerprint for log lines.
type Credential struct {
	ID             int64     `json:"id"`
	Priority       int       `json:"priority"`
	Disabled       bool      `json:"disabled"`
	DisabledReason string    `json:"disabledReason,omitempty"`
	FailureCount   int       `json:"failureCount"`
	SuccessCount   int64     `json:"successCount"`
	LastUsed       time.Time `json:"lastUsed,omitempty"`
	AuthMethod     string    `json:"authMethod"`
	ClientID       string    `json:"clientId,omitempty"`
	ClientSecret   string    `json:"clientSecret,omitempty"`
	RefreshToken   string    `json:"refreshToken"`
	ProfileArn     string    `json:"profileArn,omitempty"`
	AuthRegion     string    `json:"authRegion,omitempty"`
	APIRegion      string    `json:"apiRegion,omitempty"`
	Email          string    `json:"email,omitempty"`
	ProxyURL       string    `json:"proxyUrl,omitempty"`
	ProxyUser      string    `json:"proxyUsername,omitempty"`
	ProxyPass      string    `json:"proxyPassword,omitempty"`
	MachineID      string    `json:"machineId,omitempty"`
	AccessToken    string    `json:"accessToken,omitempty"`
	TokenExpiry    time.Time `json:"tokenExpiry,omitempty"`
}

// Fingerprint returns the first 8 hex chars of the SHA-256 of the refresh
// token. Safe for logs and for the admin API.
func (c *Credential) Fingerprint() string {
	return fingerprintFull(c.RefreshToken)[:8]
}

// fingerprintFull is the complete SHA-256 hex digest, used for duplicate
// detection on add.
func fingerprintFull(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

// Eligible reports whether the dispatcher may select this credential.
func (c *Credential) Eligible() bool {
	return !c.Disabled && c.FailureCount < FailureThreshold
}

// clone returns a copy safe to use outside the pool lock. All fields are
// value types so a struct copy suffices.
func (c *Credential) clone() *Credential {
	cp := *c
	return &cp
}

// Snapshot is the admin-facing view of a credential. It carries no secrets.
type Snapshot struct {
	ID             int64      `json:"id"`
	Priority       int        `json:"priority"`
	Disabled       bool       `json:"disabled"`
	DisabledReason string     `json:"disabledReason,omitempty"`
	FailureCount   int        `json:"failureCount"`
	SuccessCount   int64      `json:"successCount"`
	AuthMethod     string     `json:"authMethod"`
	Fingerprint    string     `json:"fingerprint"`
	Email          string     `json:"email,omitempty"`
	HasProfileArn  bool       `json:"hasProfileArn"`
	HasProxy       bool       `json:"hasProxy"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func (c *Credential) snapshot() Snapshot {
	s := Snapshot{
		ID:             c.ID,
		Priority:       c.Priority,
		Disabled:       c.Disabled,
		DisabledReason: c.DisabledReason,
		FailureCount:   c.FailureCount,
		SuccessCount:   c.SuccessCount,
		AuthMethod:     c.AuthMethod,
		Fingerprint:    c.Fingerprint(),
		Email:          c.Email,
		HasProfileArn:  c.ProfileArn != "",
		HasProxy:       c.ProxyURL != "",
	}
	if !c.LastUsed.IsZero() {
		t := c.LastUsed
		s.LastUsedAt = &t
	}
	if !c.TokenExpiry.IsZero() {
		t := c.TokenExpiry
		s.ExpiresAt = &t
	}
	return s
}

// DisabledEvent describes a credential transitioning to disabled. It is
// handed to the store's notify callback for fan-out.
type DisabledEvent struct {
	CredentialID int64
	Reason       string
	Email        string
	Available    int
	Total        int
	Time         time.Time
}
