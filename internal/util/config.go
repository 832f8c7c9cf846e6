// Package util provides common utilities for abusewatch.
package util

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlaceholderAPIKey is the key shipped in sample configs.
const PlaceholderAPIKey = "YOUR_API_KEY"

// Config holds all application configuration.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	Timezone string `mapstructure:"timezone"`

	// Firewall log source
	FirewallLog            string   `mapstructure:"firewall_log"`
	LogSource              string   `mapstructure:"log_source"`
	TailLines              int      `mapstructure:"tail_lines"`
	FullTailLines          int      `mapstructure:"full_tail_lines"`
	LANSubnets             []string `mapstructure:"lan_subnets"`
	AutoDetectLocalSubnets bool     `mapstructure:"auto_detect_local_subnets"`
	IgnoreProtocols        []string `mapstructure:"ignore_protocols"`
	IgnoreBlocked          bool     `mapstructure:"ignore_blocked"`

	// Classification and quota
	SuspiciousThreshold int `mapstructure:"suspicious_threshold"`
	MaliciousThreshold  int `mapstructure:"malicious_threshold"`
	CheckFrequency      int `mapstructure:"check_frequency"`
	DailyCheckLimit     int `mapstructure:"daily_check_limit"`

	// Daemon loop
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BatchInterval    time.Duration `mapstructure:"batch_interval"`
	ReloadEveryPolls int           `mapstructure:"reload_every_polls"`

	Reputation ReputationConfig `mapstructure:"reputation"`
	Alias      AliasConfig      `mapstructure:"alias"`
	Ntfy       NtfyConfig       `mapstructure:"ntfy"`
	Email      EmailConfig      `mapstructure:"email"`

	// Web server
	WebPort int `mapstructure:"web_port"`
}

// ReputationConfig configures the AbuseIPDB client.
type ReputationConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	Endpoint           string        `mapstructure:"endpoint"`
	MaxAge             int           `mapstructure:"max_age"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval"`
}

// AliasConfig configures firewall alias publication.
type AliasConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Name              string `mapstructure:"name"`
	IncludeSuspicious bool   `mapstructure:"include_suspicious"`
	MaxRecentHosts    int    `mapstructure:"max_recent_hosts"`

	OPNsenseURL      string `mapstructure:"opnsense_url"`
	OPNsenseKey      string `mapstructure:"opnsense_key"`
	OPNsenseSecret   string `mapstructure:"opnsense_secret"`
	OPNsenseInsecure bool   `mapstructure:"opnsense_insecure"`

	NftEnabled bool   `mapstructure:"nft_enabled"`
	NftTable   string `mapstructure:"nft_table"`
	NftSet     string `mapstructure:"nft_set"`
}

// NtfyConfig configures ntfy push notifications.
type NtfyConfig struct {
	Enabled                  bool   `mapstructure:"enabled"`
	Server                   string `mapstructure:"server"`
	Topic                    string `mapstructure:"topic"`
	Token                    string `mapstructure:"token"`
	NotifyMalicious          bool   `mapstructure:"notify_malicious"`
	NotifySuspicious         bool   `mapstructure:"notify_suspicious"`
	Priority                 int    `mapstructure:"priority"`
	IncludeConnectionDetails bool   `mapstructure:"include_connection_details"`
}

// EmailConfig configures SMTP alerts.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".abusewatch")

	return &Config{
		DataDir:  dataDir,
		LogLevel: "info",
		LogFile:  filepath.Join(dataDir, "abusewatch.log"),
		Timezone: "",

		FirewallLog:   "/var/log/filter/latest.log",
		LogSource:     "tail",
		TailLines:     200,
		FullTailLines: 1000,
		LANSubnets: []string{
			"192.168.0.0/16",
			"10.0.0.0/8",
			"172.16.0.0/12",
		},
		IgnoreProtocols: []string{"icmp", "igmp"},
		IgnoreBlocked:   true,

		SuspiciousThreshold: 40,
		MaliciousThreshold:  70,
		CheckFrequency:      7,
		DailyCheckLimit:     100,

		PollInterval:     2500 * time.Millisecond,
		BatchInterval:    15 * time.Second,
		ReloadEveryPolls: 20,

		Reputation: ReputationConfig{
			APIKey:             PlaceholderAPIKey,
			Endpoint:           "https://api.abuseipdb.com/api/v2/check",
			MaxAge:             90,
			Timeout:            10 * time.Second,
			MinRequestInterval: 500 * time.Millisecond,
		},
		Alias: AliasConfig{
			Name:           "abuseipdb_malicious_ips",
			MaxRecentHosts: 500,
			OPNsenseURL:    "https://127.0.0.1",
			NftTable:       "abusewatch",
			NftSet:         "flagged",
		},
		Ntfy: NtfyConfig{
			Server:                   "https://ntfy.sh",
			Topic:                    "abuseipdb-alerts",
			NotifyMalicious:          true,
			Priority:                 3,
			IncludeConnectionDetails: true,
		},
		Email: EmailConfig{
			Port: 25,
		},

		WebPort: 8080,
	}
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "abusewatch.db")
}

// Location returns the configured timezone, falling back to local time.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Now returns the current time in the configured timezone.
func (c *Config) Now() time.Time {
	return time.Now().In(c.Location())
}

// ConfigValidationError describes a single invalid setting.
type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s = %v - %s", e.Field, e.Value, e.Reason)
}

// IsConfigInvalid reports whether err is a configuration validation failure.
func IsConfigInvalid(err error) bool {
	var cve *ConfigValidationError
	return errors.As(err, &cve)
}

// Validate checks ranges and cross-field invariants.
func (c *Config) Validate() error {
	if c.SuspiciousThreshold < 0 || c.SuspiciousThreshold > 100 {
		return &ConfigValidationError{Field: "suspicious_threshold", Value: c.SuspiciousThreshold, Reason: "must be between 0 and 100"}
	}
	if c.MaliciousThreshold < 0 || c.MaliciousThreshold > 100 {
		return &ConfigValidationError{Field: "malicious_threshold", Value: c.MaliciousThreshold, Reason: "must be between 0 and 100"}
	}
	if c.SuspiciousThreshold >= c.MaliciousThreshold {
		return &ConfigValidationError{Field: "suspicious_threshold", Value: c.SuspiciousThreshold, Reason: "must be below malicious_threshold"}
	}
	if c.DailyCheckLimit < 1 || c.DailyCheckLimit > 1000 {
		return &ConfigValidationError{Field: "daily_check_limit", Value: c.DailyCheckLimit, Reason: "must be between 1 and 1000"}
	}
	if c.CheckFrequency < 1 {
		return &ConfigValidationError{Field: "check_frequency", Value: c.CheckFrequency, Reason: "must be at least 1 day"}
	}
	if c.Reputation.MaxAge < 1 || c.Reputation.MaxAge > 365 {
		return &ConfigValidationError{Field: "reputation.max_age", Value: c.Reputation.MaxAge, Reason: "must be between 1 and 365"}
	}
	if c.PollInterval <= 0 {
		return &ConfigValidationError{Field: "poll_interval", Value: c.PollInterval, Reason: "must be positive"}
	}
	if c.BatchInterval <= 0 {
		return &ConfigValidationError{Field: "batch_interval", Value: c.BatchInterval, Reason: "must be positive"}
	}
	if c.TailLines < 1 {
		return &ConfigValidationError{Field: "tail_lines", Value: c.TailLines, Reason: "must be positive"}
	}
	if c.LogSource != "tail" && c.LogSource != "follow" {
		return &ConfigValidationError{Field: "log_source", Value: c.LogSource, Reason: "must be tail or follow"}
	}
	for _, s := range c.LANSubnets {
		if _, err := netip.ParsePrefix(strings.TrimSpace(s)); err != nil {
			return &ConfigValidationError{Field: "lan_subnets", Value: s, Reason: "invalid CIDR"}
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return &ConfigValidationError{Field: "timezone", Value: c.Timezone, Reason: "unknown timezone"}
		}
	}
	return nil
}

// Loader reads configuration through viper and can re-read it on demand.
// Only Load touches viper; the file watcher just raises a flag.
type Loader struct {
	v       *viper.Viper
	readMu  sync.Mutex
	mu      sync.Mutex
	changed bool
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader. An empty cfgFile searches the data dir and ".".
func NewLoader(cfgFile string) *Loader {
	v := viper.New()
	defaults := DefaultConfig()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaults.DataDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ABUSEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, defaults)

	return &Loader{v: v}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("timezone", cfg.Timezone)

	v.SetDefault("firewall_log", cfg.FirewallLog)
	v.SetDefault("log_source", cfg.LogSource)
	v.SetDefault("tail_lines", cfg.TailLines)
	v.SetDefault("full_tail_lines", cfg.FullTailLines)
	v.SetDefault("lan_subnets", cfg.LANSubnets)
	v.SetDefault("auto_detect_local_subnets", cfg.AutoDetectLocalSubnets)
	v.SetDefault("ignore_protocols", cfg.IgnoreProtocols)
	v.SetDefault("ignore_blocked", cfg.IgnoreBlocked)

	v.SetDefault("suspicious_threshold", cfg.SuspiciousThreshold)
	v.SetDefault("malicious_threshold", cfg.MaliciousThreshold)
	v.SetDefault("check_frequency", cfg.CheckFrequency)
	v.SetDefault("daily_check_limit", cfg.DailyCheckLimit)

	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("batch_interval", cfg.BatchInterval)
	v.SetDefault("reload_every_polls", cfg.ReloadEveryPolls)

	v.SetDefault("reputation.api_key", cfg.Reputation.APIKey)
	v.SetDefault("reputation.endpoint", cfg.Reputation.Endpoint)
	v.SetDefault("reputation.max_age", cfg.Reputation.MaxAge)
	v.SetDefault("reputation.timeout", cfg.Reputation.Timeout)
	v.SetDefault("reputation.min_request_interval", cfg.Reputation.MinRequestInterval)

	v.SetDefault("alias.enabled", cfg.Alias.Enabled)
	v.SetDefault("alias.name", cfg.Alias.Name)
	v.SetDefault("alias.include_suspicious", cfg.Alias.IncludeSuspicious)
	v.SetDefault("alias.max_recent_hosts", cfg.Alias.MaxRecentHosts)
	v.SetDefault("alias.opnsense_url", cfg.Alias.OPNsenseURL)
	v.SetDefault("alias.opnsense_key", cfg.Alias.OPNsenseKey)
	v.SetDefault("alias.opnsense_secret", cfg.Alias.OPNsenseSecret)
	v.SetDefault("alias.opnsense_insecure", cfg.Alias.OPNsenseInsecure)
	v.SetDefault("alias.nft_enabled", cfg.Alias.NftEnabled)
	v.SetDefault("alias.nft_table", cfg.Alias.NftTable)
	v.SetDefault("alias.nft_set", cfg.Alias.NftSet)

	v.SetDefault("ntfy.enabled", cfg.Ntfy.Enabled)
	v.SetDefault("ntfy.server", cfg.Ntfy.Server)
	v.SetDefault("ntfy.topic", cfg.Ntfy.Topic)
	v.SetDefault("ntfy.token", cfg.Ntfy.Token)
	v.SetDefault("ntfy.notify_malicious", cfg.Ntfy.NotifyMalicious)
	v.SetDefault("ntfy.notify_suspicious", cfg.Ntfy.NotifySuspicious)
	v.SetDefault("ntfy.priority", cfg.Ntfy.Priority)
	v.SetDefault("ntfy.include_connection_details", cfg.Ntfy.IncludeConnectionDetails)

	v.SetDefault("email.enabled", cfg.Email.Enabled)
	v.SetDefault("email.server", cfg.Email.Server)
	v.SetDefault("email.port", cfg.Email.Port)
	v.SetDefault("email.from", cfg.Email.From)
	v.SetDefault("email.to", cfg.Email.To)
	v.SetDefault("email.username", cfg.Email.Username)
	v.SetDefault("email.password", cfg.Email.Password)

	v.SetDefault("web_port", cfg.WebPort)
}

// Viper exposes the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the config file (if any) and unmarshals it.
// The result is not validated; callers decide how to treat invalid settings.
func (l *Loader) Load() (*Config, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	// writes from here on mark the next load
	l.mu.Lock()
	l.changed = false
	l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// every key has a viper default, so decode into a zero value: merging
	// into DefaultConfig would keep default list elements past the user's
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	return &cfg, nil
}

// Watch marks the config as changed whenever the file is written. The
// directory is watched so editors that replace the file are seen too.
func (l *Loader) Watch() error {
	l.readMu.Lock()
	file := l.v.ConfigFileUsed()
	l.readMu.Unlock()
	if file == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(file)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	l.mu.Lock()
	if l.watcher != nil {
		l.watcher.Close()
	}
	l.watcher = w
	l.mu.Unlock()

	go l.watch(w, filepath.Clean(file))
	return nil
}

func (l *Loader) watch(w *fsnotify.Watcher, file string) {
	log := Logger()
	for {
		select {
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != file || !e.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")
			l.mu.Lock()
			l.changed = true
			l.mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// Close stops the file watcher.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// Changed reports whether the watcher saw a write since the last Load.
func (l *Loader) Changed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(cfgFile string) (*Config, error) {
	return NewLoader(cfgFile).Load()
}

// EnsureDir ensures a directory exists.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
