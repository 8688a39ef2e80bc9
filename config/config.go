package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chatrelay/router"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Limits   LimitsConfig   `yaml:"limits"`
	Users    UsersConfig    `yaml:"users"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	PingInterval    Duration `yaml:"ping_interval"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	SendQueue       int      `yaml:"send_queue"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ControlSocket   string   `yaml:"control_socket"`
}

type StorageConfig struct {
	DBPath    string    `yaml:"db_path"`
	BlobPath  string    `yaml:"blob_path"`
	MaxUpload SizeBytes `yaml:"max_upload"`
}

type AuthConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	TokenTTL     Duration `yaml:"token_ttl"`
	RequireToken bool     `yaml:"require_token"`
	BcryptCost   int      `yaml:"bcrypt_cost"`
}

type DeliveryConfig struct {
	EnforceOwnership bool          `yaml:"enforce_ownership"`
	Scopes           router.Policy `yaml:"scopes"`
}

type LimitsConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst"`
}

type UsersConfig struct {
	DeriveFromMessages bool `yaml:"derive_from_messages"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":5000",
			ReadTimeout:     Duration(60 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			PingInterval:    Duration(25 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			SendQueue:       256,
			AllowedOrigins:  []string{"*"},
			ControlSocket:   "/tmp/chatrelay.sock",
		},
		Storage: StorageConfig{
			DBPath:    "chatrelay.db",
			BlobPath:  "uploads.pebble",
			MaxUpload: SizeBytes(10 * humanize.MByte),
		},
		Auth: AuthConfig{
			TokenTTL:   Duration(72 * time.Hour),
			BcryptCost: 10,
		},
		Delivery: DeliveryConfig{
			EnforceOwnership: true,
			Scopes:           router.DefaultPolicy(),
		},
		Limits: LimitsConfig{
			EventsPerSecond: 20,
			Burst:           40,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load layers the YAML file at path (if any) and then environment variables over
// the defaults. A missing file is an error only when path was given.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from RELAY_* variables. PORT is honoured for hosts
// that only hand out a port number.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	scope := func(key string, dst *router.Scope) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = router.Scope(v)
		}
	}

	if port := getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	str("RELAY_ADDR", &c.Server.Addr)
	duration("RELAY_READ_TIMEOUT", &c.Server.ReadTimeout)
	duration("RELAY_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	duration("RELAY_PING_INTERVAL", &c.Server.PingInterval)
	duration("RELAY_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	integer("RELAY_SEND_QUEUE", &c.Server.SendQueue)
	if v := getenv("RELAY_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	str("RELAY_CONTROL_SOCKET", &c.Server.ControlSocket)

	str("RELAY_DB_PATH", &c.Storage.DBPath)
	str("RELAY_BLOB_PATH", &c.Storage.BlobPath)
	if v := getenv("RELAY_MAX_UPLOAD"); v != "" {
		size, err := parseSize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_MAX_UPLOAD: %w", err))
		} else {
			c.Storage.MaxUpload = size
		}
	}

	str("RELAY_JWT_SECRET", &c.Auth.JWTSecret)
	duration("RELAY_TOKEN_TTL", &c.Auth.TokenTTL)
	boolean("RELAY_REQUIRE_TOKEN", &c.Auth.RequireToken)
	integer("RELAY_BCRYPT_COST", &c.Auth.BcryptCost)

	boolean("RELAY_ENFORCE_OWNERSHIP", &c.Delivery.EnforceOwnership)
	scope("RELAY_SCOPE_EDIT", &c.Delivery.Scopes.Edit)
	scope("RELAY_SCOPE_DELETE", &c.Delivery.Scopes.Delete)
	scope("RELAY_SCOPE_REACTION", &c.Delivery.Scopes.Reaction)
	scope("RELAY_SCOPE_STATUS", &c.Delivery.Scopes.Status)
	scope("RELAY_SCOPE_SEEN", &c.Delivery.Scopes.Seen)

	if v := getenv("RELAY_EVENTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_EVENTS_PER_SECOND: %w", err))
		} else {
			c.Limits.EventsPerSecond = f
		}
	}
	integer("RELAY_EVENT_BURST", &c.Limits.Burst)

	boolean("RELAY_DERIVE_USERS", &c.Users.DeriveFromMessages)

	str("RELAY_LOG_LEVEL", &c.Log.Level)
	str("RELAY_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path is required"))
	}
	if c.Storage.BlobPath == "" {
		errs = append(errs, errors.New("storage.blob_path is required"))
	}
	if c.Storage.MaxUpload <= 0 {
		errs = append(errs, errors.New("storage.max_upload must be positive"))
	}
	if c.Server.SendQueue <= 0 {
		errs = append(errs, errors.New("server.send_queue must be positive"))
	}
	if c.Server.PingInterval <= 0 || c.Server.ReadTimeout <= c.Server.PingInterval {
		errs = append(errs, errors.New("server.read_timeout must exceed a positive server.ping_interval"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if c.Auth.RequireToken && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.require_token needs auth.jwt_secret"))
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost %d out of range 4..31", c.Auth.BcryptCost))
	}
	if c.Limits.EventsPerSecond < 0 || c.Limits.Burst < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Limits.EventsPerSecond > 0 && c.Limits.Burst == 0 {
		errs = append(errs, errors.New("limits.burst must be positive when a rate is set"))
	}
	if err := c.Delivery.Scopes.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SizeBytes is a byte count read from strings such as "10MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.Bytes(uint64(s)) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration reads "100ms"-style strings or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
