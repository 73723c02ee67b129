package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Output    string `toml:"output"`     // "stderr", "stdout", "syslog", or a file path
	Format    string `toml:"format"`     // "json" or "console"
	Level     string `toml:"level"`      // "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag used with output = "syslog"
}

// Store backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig selects and tunes the storage backend.
type StoreConfig struct {
	Backend         string `toml:"backend"`          // memory, sqlite or postgres
	SQLitePath      string `toml:"sqlite_path"`      // Database file for the sqlite backend
	PollInterval    string `toml:"poll_interval"`    // How often SQL backends tail the change log
	PollBatchSize   int    `toml:"poll_batch_size"`  // Maximum changes per delivered batch
	ChangeRetention string `toml:"change_retention"` // Change log entries older than this are pruned
	CleanupInterval string `toml:"cleanup_interval"` // How often the pruner runs
}

func (s *StoreConfig) GetPollInterval() time.Duration {
	return durationOr(s.PollInterval, 250*time.Millisecond)
}

func (s *StoreConfig) GetChangeRetention() time.Duration {
	return durationOr(s.ChangeRetention, 24*time.Hour)
}

func (s *StoreConfig) GetCleanupInterval() time.Duration {
	return durationOr(s.CleanupInterval, 10*time.Minute)
}

func (s *StoreConfig) GetPollBatchSize() int {
	if s.PollBatchSize <= 0 {
		return 500
	}
	return s.PollBatchSize
}

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// Hosts may carry explicit ports ("db1:5433"). Connecting tries them all, starting from a random one.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // string or integer, default 5432
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
}

// GetPort returns the endpoint port, accepting both "5432" and 5432.
func (e *DatabaseEndpointConfig) GetPort() (int, error) {
	switch p := e.Port.(type) {
	case nil:
		return 5432, nil
	case int64:
		return int(p), nil
	case int:
		return p, nil
	case string:
		if p == "" {
			return 5432, nil
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid database port %q: %w", p, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("invalid database port type %T", e.Port)
}

func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return ParseDuration(e.MaxConnLifetime)
}

func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds PostgreSQL settings with separate read/write endpoints
type DatabaseConfig struct {
	LogQueries       bool                    `toml:"log_queries"`
	QueryTimeout     string                  `toml:"query_timeout"`
	MigrationTimeout string                  `toml:"migration_timeout"`
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"` // Falls back to Write when unset
}

func (d *DatabaseConfig) GetQueryTimeout() time.Duration {
	return durationOr(d.QueryTimeout, 30*time.Second)
}

func (d *DatabaseConfig) GetMigrationTimeout() time.Duration {
	return durationOr(d.MigrationTimeout, 2*time.Minute)
}

// EngineConfig tunes subscription processing.
type EngineConfig struct {
	InboxSize     int    `toml:"inbox_size"`     // Change batches buffered per subscription
	OutboxSize    int    `toml:"outbox_size"`    // Diff batches buffered per observer before a forced reload
	MaxTake       int    `toml:"max_take"`       // Upper bound for @take, 0 disables
	DefaultTake   int    `toml:"default_take"`   // Bound for subscriptions without @take, 0 disables
	InitTimeout   string `toml:"init_timeout"`   // Timeout for the initial window read
	RetryInterval string `toml:"retry_interval"` // Delay before retrying a failed reload
}

func (e *EngineConfig) GetInitTimeout() time.Duration {
	return durationOr(e.InitTimeout, 10*time.Second)
}

func (e *EngineConfig) GetRetryInterval() time.Duration {
	return durationOr(e.RetryInterval, 2*time.Second)
}

// ResilienceConfig configures retries and the circuit breaker around store reads.
type ResilienceConfig struct {
	MaxRetries          int     `toml:"max_retries"`
	InitialInterval     string  `toml:"initial_interval"`
	MaxInterval         string  `toml:"max_interval"`
	BreakerMaxRequests  uint32  `toml:"breaker_max_requests"`  // Probes allowed while half-open
	BreakerInterval     string  `toml:"breaker_interval"`      // Window after which closed-state counts reset
	BreakerTimeout      string  `toml:"breaker_timeout"`       // Time spent open before probing
	BreakerFailureRatio float64 `toml:"breaker_failure_ratio"` // Failure ratio that opens the breaker
	BreakerMinRequests  uint32  `toml:"breaker_min_requests"`  // Requests needed before the ratio applies
}

func (r *ResilienceConfig) GetInitialInterval() time.Duration {
	return durationOr(r.InitialInterval, 50*time.Millisecond)
}

func (r *ResilienceConfig) GetMaxInterval() time.Duration {
	return durationOr(r.MaxInterval, 2*time.Second)
}

func (r *ResilienceConfig) GetBreakerInterval() time.Duration {
	return durationOr(r.BreakerInterval, time.Minute)
}

func (r *ResilienceConfig) GetBreakerTimeout() time.Duration {
	return durationOr(r.BreakerTimeout, 30*time.Second)
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`       // Bearer token, empty disables authentication
	AllowedHosts []string `toml:"allowed_hosts"` // Client IPs or CIDRs, empty allows all
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	WriteTimeout string   `toml:"write_timeout"` // Per-frame websocket write deadline
	PingInterval string   `toml:"ping_interval"` // Websocket keepalive
	MaxBodySize  int64    `toml:"max_body_size"` // Request body limit in bytes
}

func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return durationOr(s.WriteTimeout, 10*time.Second)
}

func (s *ServerConfig) GetPingInterval() time.Duration {
	return durationOr(s.PingInterval, 30*time.Second)
}

func (s *ServerConfig) GetMaxBodySize() int64 {
	if s.MaxBodySize <= 0 {
		return 25 << 20
	}
	return s.MaxBodySize
}

// MetricsConfig holds Prometheus endpoint settings
type MetricsConfig struct {
	Enabled         bool   `toml:"enabled"`
	Addr            string `toml:"addr"`
	Path            string `toml:"path"`
	CollectInterval string `toml:"collect_interval"`
}

func (m *MetricsConfig) GetCollectInterval() time.Duration {
	return durationOr(m.CollectInterval, time.Minute)
}

// Config is the complete service configuration
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Store      StoreConfig      `toml:"store"`
	Database   DatabaseConfig   `toml:"database"`
	Engine     EngineConfig     `toml:"engine"`
	Resilience ResilienceConfig `toml:"resilience"`
	Server     ServerConfig     `toml:"server"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config with default values
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Store: StoreConfig{
			Backend:         BackendMemory,
			SQLitePath:      "livequery.db",
			PollInterval:    "250ms",
			PollBatchSize:   500,
			ChangeRetention: "24h",
			CleanupInterval: "10m",
		},
		Database: DatabaseConfig{
			QueryTimeout:     "30s",
			MigrationTimeout: "2m",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "livequery",
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Engine: EngineConfig{
			InboxSize:     256,
			OutboxSize:    64,
			MaxTake:       1000,
			InitTimeout:   "10s",
			RetryInterval: "2s",
		},
		Resilience: ResilienceConfig{
			MaxRetries:          3,
			InitialInterval:     "50ms",
			MaxInterval:         "2s",
			BreakerMaxRequests:  3,
			BreakerInterval:     "1m",
			BreakerTimeout:      "30s",
			BreakerFailureRatio: 0.6,
			BreakerMinRequests:  5,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			WriteTimeout: "10s",
			PingInterval: "30s",
			MaxBodySize:  25 << 20,
		},
		Metrics: MetricsConfig{
			Addr:            ":9090",
			Path:            "/metrics",
			CollectInterval: "1m",
		},
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Backend == BackendSQLite && c.Store.SQLitePath == "" {
		errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
	}
	if c.Store.Backend == BackendPostgres && (c.Database.Write == nil || len(c.Database.Write.Hosts) == 0) {
		errs = append(errs, errors.New("database.write.hosts is required for the postgres backend"))
	}
	if c.Engine.InboxSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.inbox_size must be positive, got %d", c.Engine.InboxSize))
	}
	if c.Engine.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.outbox_size must be positive, got %d", c.Engine.OutboxSize))
	}
	if c.Engine.MaxTake < 0 || c.Engine.DefaultTake < 0 {
		errs = append(errs, errors.New("engine.max_take and engine.default_take must not be negative"))
	}
	if c.Engine.MaxTake > 0 && c.Engine.DefaultTake > c.Engine.MaxTake {
		errs = append(errs, fmt.Errorf("engine.default_take %d exceeds engine.max_take %d", c.Engine.DefaultTake, c.Engine.MaxTake))
	}
	if c.Server.TLS && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls requires tls_cert_file and tls_key_file"))
	}
	if c.Resilience.BreakerFailureRatio < 0 || c.Resilience.BreakerFailureRatio > 1 {
		errs = append(errs, fmt.Errorf("resilience.breaker_failure_ratio must be within [0,1], got %v", c.Resilience.BreakerFailureRatio))
	}
	for _, d := range []struct{ key, value string }{
		{"store.poll_interval", c.Store.PollInterval},
		{"store.change_retention", c.Store.ChangeRetention},
		{"store.cleanup_interval", c.Store.CleanupInterval},
		{"engine.init_timeout", c.Engine.InitTimeout},
		{"engine.retry_interval", c.Engine.RetryInterval},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.ping_interval", c.Server.PingInterval},
	} {
		if d.value == "" {
			continue
		}
		if _, err := ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
		}
	}
	return errors.Join(errs...)
}

// ParseDuration extends time.ParseDuration with a "d" (day) unit.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// durationOr parses s, falling back to def when s is empty or invalid.
func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// LoadConfigFromFile decodes the TOML file at configPath into cfg. Keys
// that match nothing are reported as warnings, not errors.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a configuration key appears twice in the same section", err)
	case strings.Contains(msg, `expected value but found "f"`), strings.Contains(msg, `expected value but found "t"`):
		return fmt.Errorf("%w\n\nHINT: booleans must be exactly 'true' or 'false'", err)
	case strings.Contains(msg, "expected"), strings.Contains(msg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: check quoting, brackets and [section] headers", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Interface:
		if !v.IsNil() && v.CanSet() && v.Elem().Kind() == reflect.String {
			v.Set(reflect.ValueOf(strings.TrimSpace(v.Elem().String())))
		}
	}
}
