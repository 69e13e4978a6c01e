// Package config loads server configuration from an optional YAML file and
// PERMENGINE_* environment variables. Environment values take precedence
// over file values, which take precedence over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// MinSecretLen is the minimum length in bytes of the audit and JWT secrets.
const MinSecretLen = 32

// Config holds server configuration.
type Config struct {
	LogLevel  string          `koanf:"log_level"`
	Server    ServerConfig    `koanf:"server"`
	Policy    PolicyConfig    `koanf:"policy"`
	Risk      RiskConfig      `koanf:"risk"`
	Redis     RedisConfig     `koanf:"redis"`
	Audit     AuditConfig     `koanf:"audit"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Approval  ApprovalConfig  `koanf:"approval"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
	// JWTSecret verifies approver tokens on the approval endpoints.
	JWTSecret       string        `koanf:"jwt_secret"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// CORSOrigins lists dashboard origins. Empty allows any origin.
	CORSOrigins []string `koanf:"cors_origins"`
}

// PolicyConfig selects the bundle source. DatabaseURL wins when both are set.
type PolicyConfig struct {
	BundlePath  string `koanf:"bundle_path"`
	DatabaseURL string `koanf:"database_url"`
}

type RiskConfig struct {
	ModelPath       string        `koanf:"model_path"`
	DecisionTimeout time.Duration `koanf:"decision_timeout"`
}

// RedisConfig enables the Redis baseline and usage stores when Addr is set.
type RedisConfig struct {
	Addr        string        `koanf:"addr"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	BaselineTTL time.Duration `koanf:"baseline_ttl"`
}

type AuditConfig struct {
	// ChainPath is the hash-chained JSON lines file. Empty keeps the chain
	// in memory.
	ChainPath string `koanf:"chain_path"`
	Secret    string `koanf:"secret"`
	// SQLiteDSN enables the queryable SQLite event store.
	SQLiteDSN string `koanf:"sqlite_dsn"`
	Stdout    bool   `koanf:"stdout"`
}

type ArtifactsConfig struct {
	Type     string `koanf:"type"`
	Dir      string `koanf:"dir"`
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
	Prefix   string `koanf:"prefix"`
}

// ApprovalConfig stores chains in Postgres when DatabaseURL is set.
type ApprovalConfig struct {
	DatabaseURL string        `koanf:"database_url"`
	TTL         time.Duration `koanf:"ttl"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	Insecure     bool    `koanf:"insecure"`
	SampleRate   float64 `koanf:"sample_rate"`
}

// envKeys maps environment variables to config keys. The first variable
// set in each list wins.
var envKeys = []struct {
	key  string
	vars []string
}{
	{"log_level", []string{"PERMENGINE_LOG_LEVEL", "LOG_LEVEL"}},
	{"server.addr", []string{"PERMENGINE_ADDR"}},
	{"server.rate_limit", []string{"PERMENGINE_RATE_LIMIT"}},
	{"server.burst", []string{"PERMENGINE_RATE_BURST"}},
	{"server.jwt_secret", []string{"PERMENGINE_JWT_SECRET"}},
	{"server.cors_origins", []string{"PERMENGINE_CORS_ORIGINS"}},
	{"policy.bundle_path", []string{"PERMENGINE_POLICY_BUNDLE"}},
	{"policy.database_url", []string{"PERMENGINE_DATABASE_URL", "DATABASE_URL"}},
	{"risk.model_path", []string{"PERMENGINE_RISK_MODEL"}},
	{"risk.decision_timeout", []string{"PERMENGINE_DECISION_TIMEOUT"}},
	{"redis.addr", []string{"PERMENGINE_REDIS_ADDR"}},
	{"redis.password", []string{"PERMENGINE_REDIS_PASSWORD"}},
	{"audit.chain_path", []string{"PERMENGINE_AUDIT_CHAIN"}},
	{"audit.secret", []string{"PERMENGINE_AUDIT_SECRET"}},
	{"audit.sqlite_dsn", []string{"PERMENGINE_AUDIT_SQLITE"}},
	{"audit.stdout", []string{"PERMENGINE_AUDIT_STDOUT"}},
	{"artifacts.type", []string{"PERMENGINE_ARTIFACTS_TYPE"}},
	{"artifacts.dir", []string{"PERMENGINE_ARTIFACTS_DIR"}},
	{"artifacts.bucket", []string{"PERMENGINE_ARTIFACTS_BUCKET"}},
	{"artifacts.region", []string{"PERMENGINE_ARTIFACTS_REGION", "AWS_REGION"}},
	{"artifacts.endpoint", []string{"PERMENGINE_ARTIFACTS_ENDPOINT"}},
	{"artifacts.prefix", []string{"PERMENGINE_ARTIFACTS_PREFIX"}},
	{"approval.database_url", []string{"PERMENGINE_APPROVAL_DATABASE_URL"}},
	{"approval.ttl", []string{"PERMENGINE_APPROVAL_TTL"}},
	{"telemetry.enabled", []string{"PERMENGINE_TELEMETRY_ENABLED"}},
	{"telemetry.otlp_endpoint", []string{"PERMENGINE_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}},
}

// listKeys take comma-separated environment values.
var listKeys = map[string]bool{"server.cors_origins": true}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       50,
			Burst:           100,
			ShutdownTimeout: 15 * time.Second,
		},
		Policy: PolicyConfig{BundlePath: "policy/bundle.yaml"},
		Risk:   RiskConfig{DecisionTimeout: 250 * time.Millisecond},
		Redis:  RedisConfig{BaselineTTL: 90 * 24 * time.Hour},
		Audit:  AuditConfig{Stdout: true},
		Artifacts: ArtifactsConfig{
			Type: "fs",
			Dir:  "data/evidence",
		},
		Approval: ApprovalConfig{TTL: 72 * time.Hour},
		Telemetry: TelemetryConfig{
			ServiceName:  "permengine",
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			SampleRate:   1.0,
		},
	}
}

// Load reads path (optional) and the environment over the defaults and
// validates the result. The returned error joins every problem found.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	for _, e := range envKeys {
		for _, name := range e.vars {
			if v, ok := os.LookupEnv(name); ok && v != "" {
				var val any = v
				if listKeys[e.key] {
					val = splitList(v)
				}
				if err := k.Set(e.key, val); err != nil {
					return nil, fmt.Errorf("config: %s: %w", name, err)
				}
				break
			}
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
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

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if _, ok := levels[strings.ToUpper(c.LogLevel)]; !ok {
		bad("log_level %q must be one of DEBUG, INFO, WARN, ERROR", c.LogLevel)
	}
	if c.Server.Addr == "" {
		bad("server.addr is required")
	}
	if c.Server.RateLimit < 0 {
		bad("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.Burst < 1 {
		bad("server.burst must be at least 1 when rate limiting is enabled")
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < MinSecretLen {
		bad("server.jwt_secret must be at least %d bytes", MinSecretLen)
	}
	if c.Policy.BundlePath == "" && c.Policy.DatabaseURL == "" {
		bad("policy.bundle_path or policy.database_url is required")
	}
	if c.Risk.DecisionTimeout <= 0 {
		bad("risk.decision_timeout must be positive")
	}
	if c.Audit.ChainPath != "" && len(c.Audit.Secret) < MinSecretLen {
		bad("audit.secret must be at least %d bytes when audit.chain_path is set", MinSecretLen)
	}
	switch c.Artifacts.Type {
	case "fs":
		if c.Artifacts.Dir == "" {
			bad("artifacts.dir is required for type fs")
		}
	case "s3", "gcs":
		if c.Artifacts.Bucket == "" {
			bad("artifacts.bucket is required for type %s", c.Artifacts.Type)
		}
	default:
		bad("artifacts.type %q must be fs, s3 or gcs", c.Artifacts.Type)
	}
	if c.Approval.TTL <= 0 {
		bad("approval.ttl must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		bad("telemetry.sample_rate must be within [0,1]")
	}
	return errors.Join(errs...)
}

var levels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

// SlogLevel returns the configured level, INFO when unknown.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := levels[strings.ToUpper(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}
