// Package config loads the proxy configuration from a JSON file, applies
// environment overrides, and persists admin-driven changes back to disk.
// The loaded configuration is a process-wide singleton; Get returns a
// pointer that must be treated as read-only, and Update swaps in a new
// copy after saving it.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// Load balancing modes accepted by loadBalancingMode.
const (
	ModePriority   = "priority"
	ModeRoundRobin = "roundRobin"
)

// Credential store kinds accepted by credentialStore.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// EmailConfig drives the SMTP notification sink.
type EmailConfig struct {
	Enabled      bool     `json:"enabled"`
	SMTPHost     string   `json:"smtpHost"`
	SMTPPort     int      `json:"smtpPort"`
	SMTPUsername string   `json:"smtpUsername"`
	SMTPPassword string   `json:"smtpPassword"`
	SMTPTLS      bool     `json:"smtpTls"`
	FromAddress  string   `json:"fromAddress"`
	ToAddresses  []string `json:"toAddresses"`
}

// Config holds the full proxy configuration. Credential-level region,
// machineId and proxy settings override the globals here.
type Config struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	APIKey      string `json:"apiKey"`
	AdminAPIKey string `json:"adminApiKey"`

	Region     string `json:"region"`
	AuthRegion string `json:"authRegion"`
	APIRegion  string `json:"apiRegion"`

	KiroVersion   string `json:"kiroVersion"`
	MachineID     string `json:"machineId"`
	SystemVersion string `json:"systemVersion"`
	NodeVersion   string `json:"nodeVersion"`

	ProxyURL      string `json:"proxyUrl"`
	ProxyUsername string `json:"proxyUsername"`
	ProxyPassword string `json:"proxyPassword"`

	LoadBalancingMode string `json:"loadBalancingMode"`
	CredentialsFile   string `json:"credentialsFile"`
	CredentialStore   string `json:"credentialStore"`
	PostgresDSN       string `json:"postgresDsn"`
	DBPath            string `json:"dbPath"`

	WebhookURL  string `json:"webhookUrl"`
	WebhookBody string `json:"webhookBody"`

	Email EmailConfig `json:"email"`
}

var (
	mu           sync.RWMutex
	globalConfig *Config
	configPath   string
)

// defaults returns a fresh Config with every default filled in. Loading
// unmarshals the file over this, so absent fields keep their defaults.
func defaults() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8990,
		Region:            "us-east-1",
		KiroVersion:       "0.10.0",
		LoadBalancingMode: ModePriority,
		CredentialsFile:   "credentials.json",
		CredentialStore:   StoreFile,
		Email: EmailConfig{
			SMTPPort: 587,
			SMTPTLS:  true,
		},
	}
}

// Initialize loads the configuration. Path resolution order: the path
// argument, the KIROPROXY_CONFIG environment variable, then "config.json".
// A missing file is not an error; defaults are used and written back. An
// empty machineId is filled with 64 random hex chars and persisted before
// environment overrides are applied, so override values never reach disk.
func Initialize(path string) error {
	if path == "" {
		path = os.Getenv("KIROPROXY_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	cfg := defaults()
	needSave := false

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("Config file not found, creating with defaults", "path", path)
		needSave = true
	case err != nil:
		return serr.Wrap(err, "failed to read config file", "path", path)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return serr.Wrap(err, "failed to parse config file", "path", path)
		}
	}

	if err := validate(cfg); err != nil {
		return err
	}

	if cfg.MachineID == "" {
		id, err := newMachineID()
		if err != nil {
			return err
		}
		cfg.MachineID = id
		needSave = true
		logger.Info("Generated machine id", "machineId", id[:8]+"...")
	}

	if needSave {
		if err := save(path, cfg); err != nil {
			return err
		}
	}

	applyEnv(cfg)

	mu.Lock()
	globalConfig = cfg
	configPath = path
	mu.Unlock()
	return nil
}

// Get returns the current configuration. The returned value is shared;
// callers must not mutate it. Before Initialize runs it returns built-in
// defaults so tests can exercise dependents without touching disk.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if globalConfig == nil {
		return defaults()
	}
	return globalConfig
}

// Update applies fn to a copy of the current configuration, validates it,
// persists it atomically and swaps it in. Used by the admin config
// endpoints.
func Update(fn func(*Config)) error {
	mu.Lock()
	defer mu.Unlock()

	cur := globalConfig
	if cur == nil {
		cur = defaults()
	}
	next := cur.clone()
	fn(next)

	if err := validate(next); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = "config.json"
	}
	if err := save(path, next); err != nil {
		return err
	}

	globalConfig = next
	configPath = path
	return nil
}

// Address returns the listen address in host:port form.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabasePath returns the flow database location, defaulting under the
// data directory next to the binary.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join("data", "kiroproxy.db")
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Email.ToAddresses = append([]string(nil), c.Email.ToAddresses...)
	return &cp
}

func validate(c *Config) error {
	if c.Port < 1 || c.Port > 65535 {
		return serr.New("config port out of range", "port", strconv.Itoa(c.Port))
	}
	switch c.LoadBalancingMode {
	case "":
		c.LoadBalancingMode = ModePriority
	case ModePriority, ModeRoundRobin:
	default:
		return serr.New("unknown loadBalancingMode: " + c.LoadBalancingMode)
	}
	switch c.CredentialStore {
	case "":
		c.CredentialStore = StoreFile
	case StoreFile, StorePostgres:
	default:
		return serr.New("unknown credentialStore: " + c.CredentialStore)
	}
	return nil
}

// applyEnv overlays environment overrides. These take effect for the
// running process only and are never written back to the config file.
func applyEnv(c *Config) {
	if addr := os.Getenv("KIROPROXY_ADDRESS"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			logger.Warn("Ignoring invalid KIROPROXY_ADDRESS", "value", addr)
		} else {
			if host != "" {
				c.Host = host
			}
			if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
				c.Port = p
			} else {
				logger.Warn("Ignoring invalid port in KIROPROXY_ADDRESS", "value", port)
			}
		}
	}
	if v := os.Getenv("KIROPROXY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("KIROPROXY_ADMIN_KEY"); v != "" {
		c.AdminAPIKey = v
	}
	if v := os.Getenv("KIROPROXY_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("KIROPROXY_PG_DSN"); v != "" {
		c.PostgresDSN = v
	}
}

// save writes the config atomically: temp file in the same directory, then
// rename. Mode 0600 because the file carries SMTP and proxy passwords.
func save(path string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return serr.Wrap(err, "failed to marshal config")
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return serr.Wrap(err, "failed to create config directory", "dir", dir)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return serr.Wrap(err, "failed to write config file", "path", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return serr.Wrap(err, "failed to replace config file", "path", path)
	}
	return nil
}

func newMachineID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", serr.Wrap(err, "failed to generate machine id")
	}
	return hex.EncodeToString(buf), nil
}
