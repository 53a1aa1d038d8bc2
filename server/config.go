package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ticketd/ciba"
)

// Hardcoded ticket lifetime defaults
const (
	DefaultGrantingMaxTTL   = 8 * time.Hour
	DefaultGrantingIdle     = 2 * time.Hour
	DefaultServiceMaxUses   = 1
	DefaultServiceTTL       = 10 * time.Second
	DefaultAccessTTL        = 10 * time.Minute
	DefaultRefreshTTL       = 24 * time.Hour
	DefaultDeviceTTL        = 5 * time.Minute
	DefaultDevicePollPeriod = 5 * time.Second
	DefaultUserCodeLength   = 8
	DefaultCibaTTL          = 2 * time.Minute
	DefaultRememberMeTTL    = 14 * 24 * time.Hour
	DefaultCleanerSchedule  = "@every 1m"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "10m" as well as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Tickets        TicketConfig         `yaml:"tickets"`
	Store          StoreConfig          `yaml:"store"`
	Cleaner        CleanerConfig        `yaml:"cleaner"`
	RelyingParties []RelyingPartyConfig `yaml:"relying_parties"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	ServerID        string    `yaml:"server_id"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// TicketConfig groups per-kind lifetime settings.
type TicketConfig struct {
	Granting       GrantingTicketConfig `yaml:"granting"`
	Service        ServiceTicketConfig  `yaml:"service"`
	AccessTTL      Duration             `yaml:"access_ttl"`
	Refresh        RefreshTicketConfig  `yaml:"refresh"`
	Device         DeviceTicketConfig   `yaml:"device"`
	Ciba           CibaTicketConfig     `yaml:"ciba"`
	ThrottleMinGap Duration             `yaml:"throttle_min_gap"`
	RememberMeTTL  Duration             `yaml:"remember_me_ttl"`
	CompactMaxLen  int                  `yaml:"compact_max_length"`
}

// GrantingTicketConfig bounds the session root's lifetime.
type GrantingTicketConfig struct {
	MaxTimeToLive Duration `yaml:"max_time_to_live"`
	TimeToKill    Duration `yaml:"time_to_kill"`
}

// ServiceTicketConfig bounds service ticket validation.
type ServiceTicketConfig struct {
	MaxUses    int      `yaml:"max_uses"`
	TimeToKill Duration `yaml:"time_to_kill"`
}

// RefreshTicketConfig controls refresh token lifetime and whether refresh
// tokens outlive their granting ticket.
type RefreshTicketConfig struct {
	TimeToKill Duration `yaml:"time_to_kill"`
	Standalone bool     `yaml:"standalone"`
}

// DeviceTicketConfig controls the device authorization pair.
type DeviceTicketConfig struct {
	TTL            Duration `yaml:"ttl"`
	UserCodeLength int      `yaml:"user_code_length"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// CibaTicketConfig bounds backchannel authentication requests.
type CibaTicketConfig struct {
	TTL Duration `yaml:"ttl"`
}

// StoreConfig selects and configures the ticket store backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"` // memory | redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig carries go-redis connection options.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CleanerConfig schedules the expired ticket reaper.
type CleanerConfig struct {
	Schedule string `yaml:"schedule"`
	Disabled bool   `yaml:"disabled"`
}

// RelyingPartyConfig describes one registered client application.
type RelyingPartyConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Public       bool     `yaml:"public"`
	Service      string   `yaml:"service"`
	Grants       []string `yaml:"grants"`
	Scopes       []string `yaml:"scopes"`

	// Per-client lifetime overrides; zero means the system default applies.
	DeviceTTL         Duration `yaml:"device_ttl"`
	RefreshTTL        Duration `yaml:"refresh_ttl"`
	CibaTTL           Duration `yaml:"ciba_ttl"`
	StandaloneRefresh bool     `yaml:"standalone_refresh"`

	// Backchannel delivery registration.
	BackchannelDeliveryMode string `yaml:"backchannel_delivery_mode"`
	NotificationEndpoint    string `yaml:"notification_endpoint"`
	BackchannelUserCode     bool   `yaml:"backchannel_user_code"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			ServerID:        "ticketd",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
		Tickets: TicketConfig{
			Granting: GrantingTicketConfig{
				MaxTimeToLive: Duration(DefaultGrantingMaxTTL),
				TimeToKill:    Duration(DefaultGrantingIdle),
			},
			Service: ServiceTicketConfig{
				MaxUses:    DefaultServiceMaxUses,
				TimeToKill: Duration(DefaultServiceTTL),
			},
			AccessTTL: Duration(DefaultAccessTTL),
			Refresh: RefreshTicketConfig{
				TimeToKill: Duration(DefaultRefreshTTL),
			},
			Device: DeviceTicketConfig{
				TTL:            Duration(DefaultDeviceTTL),
				UserCodeLength: DefaultUserCodeLength,
				PollInterval:   Duration(DefaultDevicePollPeriod),
			},
			Ciba:          CibaTicketConfig{TTL: Duration(DefaultCibaTTL)},
			RememberMeTTL: Duration(DefaultRememberMeTTL),
		},
		Store:   StoreConfig{Backend: "memory", Redis: RedisConfig{Addr: "127.0.0.1:6379"}},
		Cleaner: CleanerConfig{Schedule: DefaultCleanerSchedule},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TICKETD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"TICKETD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"TICKETD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"TICKETD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TICKETD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TICKETD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TICKETD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"TICKETD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"TICKETD_SERVER_ID":                func(v string) { cfg.Server.ServerID = v },
		"TICKETD_STORE_BACKEND":            func(v string) { cfg.Store.Backend = v },
		"TICKETD_STORE_REDIS_ADDR":         func(v string) { cfg.Store.Redis.Addr = v },
		"TICKETD_STORE_REDIS_PASSWORD":     func(v string) { cfg.Store.Redis.Password = v },
		"TICKETD_CLEANER_SCHEDULE":         func(v string) { cfg.Cleaner.Schedule = v },
		"TICKETD_TICKETS_ACCESS_TTL":       func(v string) { cfg.Tickets.AccessTTL = Duration(parseDuration(v, cfg.Tickets.AccessTTL.Std())) },
		"TICKETD_TICKETS_REFRESH_TTL":      func(v string) { cfg.Tickets.Refresh.TimeToKill = Duration(parseDuration(v, cfg.Tickets.Refresh.TimeToKill.Std())) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion)
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Tickets.Granting.MaxTimeToLive < c.Tickets.Granting.TimeToKill {
		slog.Error("Invalid granting ticket lifetimes",
			"max_time_to_live", c.Tickets.Granting.MaxTimeToLive,
			"time_to_kill", c.Tickets.Granting.TimeToKill)
		return fmt.Errorf("tickets.granting.max_time_to_live (%s) must not be below time_to_kill (%s)",
			time.Duration(c.Tickets.Granting.MaxTimeToLive), time.Duration(c.Tickets.Granting.TimeToKill))
	}
	if c.Tickets.Service.MaxUses <= 0 {
		return errors.New("tickets.service.max_uses must be positive")
	}
	if c.Tickets.Device.UserCodeLength < 4 {
		return fmt.Errorf("tickets.device.user_code_length must be at least 4, got %d", c.Tickets.Device.UserCodeLength)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			slog.Error("Missing redis address", "field", "store.redis.addr")
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		slog.Error("Unknown store backend", "backend", c.Store.Backend)
		return fmt.Errorf("store.backend must be 'memory' or 'redis', got: %s", c.Store.Backend)
	}

	for i, rp := range c.RelyingParties {
		if rp.ClientID == "" {
			slog.Error("Relying party missing client_id", "index", i)
			return fmt.Errorf("relying_parties[%d]: client_id is required", i)
		}
		if !rp.Public && rp.ClientSecret == "" {
			slog.Error("Confidential relying party missing secret", "client_id", rp.ClientID)
			return fmt.Errorf("relying_parties[%d] (%s): client_secret is required for confidential clients", i, rp.ClientID)
		}
		if len(rp.Grants) == 0 {
			slog.Error("Relying party has no grants", "client_id", rp.ClientID)
			return fmt.Errorf("relying_parties[%d] (%s): at least one grant is required", i, rp.ClientID)
		}
		switch mode := rp.BackchannelDeliveryMode; mode {
		case "", string(ciba.ModePoll):
		case string(ciba.ModePing), string(ciba.ModePush):
			if !strings.HasPrefix(rp.NotificationEndpoint, "https://") {
				slog.Error("Backchannel notification endpoint must be https",
					"client_id", rp.ClientID, "endpoint", rp.NotificationEndpoint)
				return fmt.Errorf("relying_parties[%d] (%s): notification_endpoint must be https for %s delivery", i, rp.ClientID, mode)
			}
		default:
			slog.Error("Unknown backchannel delivery mode", "client_id", rp.ClientID, "mode", mode)
			return fmt.Errorf("relying_parties[%d] (%s): backchannel_delivery_mode must be poll, ping, or push", i, rp.ClientID)
		}
	}

	return nil
}
