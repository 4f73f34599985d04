// Package config resolves telemetry configuration from the environment and an optional YAML tuning file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/iputil"
	"github.com/uselesscalc/orchestrator/internal/naming"
	"github.com/uselesscalc/orchestrator/internal/validation"
)

// Environment keys.
const (
	KeyTelemetryMode     = "TELEMETRY_MODE"
	KeyEnvName           = "ENV_NAME"
	KeyAppName           = "APP_NAME"
	KeyServiceName       = "SERVICE_NAME"
	KeyHostname          = "HOSTNAME"
	KeyAWSRegion         = "AWS_REGION"
	KeyAWSDefaultRegion  = "AWS_DEFAULT_REGION"
	KeyCloudWatchURL     = "CLOUDWATCH_ENDPOINT"
	KeyAzureConnection   = "APPLICATIONINSIGHTS_CONNECTION_STRING"
	KeyLogRoot           = "TELEMETRY_LOG_ROOT"
	KeyGELFAddr          = "TELEMETRY_GELF_ADDR"
	KeyGELFProtocol      = "TELEMETRY_GELF_PROTOCOL"
	KeyRedact            = "TELEMETRY_REDACT"
	KeyTuningFile        = "TELEMETRY_CONFIG"
	KeyLogLevel          = "LOG_LEVEL"
	KeyListenAddr        = "LISTEN_ADDR"
	KeyTrustedProxies    = "TRUSTED_PROXIES"
	KeyClientIPHeader    = "CLIENT_IP_HEADER"
	KeyRateLimit         = "HTTP_RATE_LIMIT"
	defaultListenAddr    = ":8080"
	defaultAppLogLevel   = "WARN"
	defaultAzureEndpoint = "https://dc.services.visualstudio.com"
)

// Mode is a destination kind selected by TELEMETRY_MODE.
type Mode int

const (
	ModeConsole Mode = iota + 1
	ModeLocal
	ModeCloudWatch
	ModeAzureMonitor
	ModeGELF
)

var modeTokens = map[string]Mode{
	"console":        ModeConsole,
	"local":          ModeLocal,
	"aws_cloudwatch": ModeCloudWatch,
	"azure_monitor":  ModeAzureMonitor,
	"gelf":           ModeGELF,
}

// String returns the TELEMETRY_MODE token for m.
func (m Mode) String() string {
	for token, mode := range modeTokens {
		if mode == m {
			return token
		}
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ConfigError reports invalid or missing configuration. It is the only error
// class allowed to stop the process.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config %s=%q: %s", e.Key, e.Value, e.Reason)
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Config is the resolved telemetry configuration. It is read-only after Resolve returns.
type Config struct {
	Modes        []Mode
	Identity     event.Identity
	Local        LocalConfig
	CloudWatch   CloudWatchConfig
	AzureMonitor AzureMonitorConfig
	GELF         GELFConfig
	Delivery     DeliveryConfig
	Redact       []string
	LogLevel     string
	ListenAddr   string
	HTTP         HTTPConfig
}

// HTTPConfig configures the health and metrics listener.
type HTTPConfig struct {
	// TrustedProxies may set X-Forwarded-For and ClientIPHeader.
	TrustedProxies []string
	ClientIPHeader string
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int `validate:"min=0"`
}

// Enabled reports whether m was selected.
func (c *Config) Enabled(m Mode) bool {
	for _, mode := range c.Modes {
		if mode == m {
			return true
		}
	}
	return false
}

// LocalConfig configures the local file hierarchy.
type LocalConfig struct {
	Root     string
	Format   string `validate:"oneof=json text"`
	Rotation RotationConfig
}

// RotationConfig maps onto lumberjack settings.
type RotationConfig struct {
	MaxSizeMB  int `validate:"min=0"`
	MaxAgeDays int `validate:"min=0"`
	MaxBackups int `validate:"min=0"`
	Compress   bool
}

// CloudWatchConfig configures the CloudWatch-style destination.
type CloudWatchConfig struct {
	Region   string
	Endpoint string
}

// AzureMonitorConfig is a parsed Application Insights style connection string.
type AzureMonitorConfig struct {
	ConnectionString   string
	InstrumentationKey string
	IngestionEndpoint  string
	LogsEndpoint       string
	MetricsEndpoint    string
	TracesEndpoint     string
}

// GELFConfig configures the GELF destination.
type GELFConfig struct {
	Address     string
	Protocol    string `validate:"oneof=udp tcp"`
	Compression string `validate:"oneof=none gzip zlib"`
}

// DeliveryConfig tunes buffering, retry and shutdown for asynchronous destinations.
type DeliveryConfig struct {
	QueueSize       int           `validate:"min=1"`
	BatchSize       int           `validate:"min=1"`
	FlushInterval   time.Duration `validate:"gt=0"`
	MaxAttempts     int           `validate:"min=1,max=20"`
	InitialBackoff  time.Duration `validate:"gt=0"`
	MaxBackoff      time.Duration `validate:"gtefield=InitialBackoff"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// DefaultDelivery returns the built-in delivery tuning.
func DefaultDelivery() DeliveryConfig {
	return DeliveryConfig{
		QueueSize:       1024,
		BatchSize:       100,
		FlushInterval:   2 * time.Second,
		MaxAttempts:     5,
		InitialBackoff:  200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// defaultRotation matches a 10MB file with 5 backups.
func defaultRotation() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 5}
}

// hostnameFunc is replaced in tests.
var hostnameFunc = os.Hostname

// Load reads .env (if present), then resolves Config from the environment via Viper.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.AutomaticEnv()
	v.SetDefault(KeyTelemetryMode, "console")
	v.SetDefault(KeyLogRoot, naming.DefaultLocalRoot)
	v.SetDefault(KeyGELFProtocol, "udp")
	v.SetDefault(KeyLogLevel, defaultAppLogLevel)
	v.SetDefault(KeyListenAddr, defaultListenAddr)

	return Resolve(v.GetString)
}

// LoadFile resolves Config from a dotenv-style file only, ignoring the process
// environment. It backs offline validation of deployment files.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Key: "file", Value: path, Reason: err.Error()}
	}
	return Resolve(v.GetString)
}

// Resolve builds a Config from a key lookup. Every failure is a *ConfigError.
func Resolve(get func(key string) string) (*Config, error) {
	lookup := func(key string) string { return strings.TrimSpace(get(key)) }

	modes, err := ParseModes(lookup(KeyTelemetryMode))
	if err != nil {
		return nil, err
	}

	identity, err := resolveIdentity(lookup)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Modes:    modes,
		Identity: identity,
		Local: LocalConfig{
			Root:     valueOr(lookup(KeyLogRoot), naming.DefaultLocalRoot),
			Format:   "json",
			Rotation: defaultRotation(),
		},
		CloudWatch: CloudWatchConfig{
			Region:   valueOr(lookup(KeyAWSRegion), lookup(KeyAWSDefaultRegion)),
			Endpoint: lookup(KeyCloudWatchURL),
		},
		GELF: GELFConfig{
			Address:     lookup(KeyGELFAddr),
			Protocol:    strings.ToLower(valueOr(lookup(KeyGELFProtocol), "udp")),
			Compression: "none",
		},
		Delivery:   DefaultDelivery(),
		LogLevel:   strings.ToUpper(valueOr(lookup(KeyLogLevel), defaultAppLogLevel)),
		ListenAddr: valueOr(lookup(KeyListenAddr), defaultListenAddr),
	}

	if raw := lookup(KeyRedact); raw != "" {
		for _, pattern := range splitList(raw) {
			if _, err := glob.Compile(pattern); err != nil {
				return nil, &ConfigError{Key: KeyRedact, Value: pattern, Reason: fmt.Sprintf("invalid glob: %v", err)}
			}
			cfg.Redact = append(cfg.Redact, pattern)
		}
	}

	if err := resolveHTTP(cfg, lookup); err != nil {
		return nil, err
	}

	if path := lookup(KeyTuningFile); path != "" {
		if err := applyTuningFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := validateModeRequirements(cfg, lookup); err != nil {
		return nil, err
	}

	if err := validateStruct(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseModes turns a comma-separated TELEMETRY_MODE value into an ordered,
// de-duplicated list. An empty value selects console.
func ParseModes(raw string) ([]Mode, error) {
	var modes []Mode
	seen := make(map[Mode]bool)
	for _, token := range strings.Split(raw, ",") {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" {
			continue
		}
		mode, ok := modeTokens[token]
		if !ok {
			return nil, &ConfigError{Key: KeyTelemetryMode, Value: token, Reason: "unknown telemetry mode"}
		}
		if seen[mode] {
			continue
		}
		seen[mode] = true
		modes = append(modes, mode)
	}
	if len(modes) == 0 {
		modes = []Mode{ModeConsole}
	}
	return modes, nil
}

func resolveIdentity(lookup func(string) string) (event.Identity, error) {
	id := event.Identity{
		Environment: lookup(KeyEnvName),
		Application: lookup(KeyAppName),
		Service:     lookup(KeyServiceName),
		Host:        lookup(KeyHostname),
	}

	required := []struct {
		key   string
		value string
	}{
		{KeyEnvName, id.Environment},
		{KeyAppName, id.Application},
		{KeyServiceName, id.Service},
	}
	for _, r := range required {
		if r.value == "" {
			return event.Identity{}, &ConfigError{Key: r.key, Reason: "is required"}
		}
		if err := validation.IsValidSegment(r.value, validation.DefaultMaxSegmentLength); err != nil {
			return event.Identity{}, &ConfigError{Key: r.key, Value: r.value, Reason: err.Error()}
		}
	}

	if id.Host == "" {
		host, err := hostnameFunc()
		if err != nil {
			host = "unknown"
		}
		id.Host = host
	}
	id.Host = validation.SanitizeHost(id.Host)
	return id, nil
}

func resolveHTTP(cfg *Config, lookup func(string) string) error {
	if raw := lookup(KeyTrustedProxies); raw != "" {
		proxies := splitList(raw)
		if _, err := iputil.ParseCIDRs(proxies); err != nil {
			return &ConfigError{Key: KeyTrustedProxies, Value: raw, Reason: err.Error()}
		}
		cfg.HTTP.TrustedProxies = proxies
	}
	cfg.HTTP.ClientIPHeader = lookup(KeyClientIPHeader)
	if raw := lookup(KeyRateLimit); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return &ConfigError{Key: KeyRateLimit, Value: raw, Reason: "must be a non-negative integer"}
		}
		cfg.HTTP.RateLimit = n
	}
	return nil
}

func validateModeRequirements(cfg *Config, lookup func(string) string) error {
	if cfg.Enabled(ModeCloudWatch) && cfg.CloudWatch.Region == "" {
		return &ConfigError{Key: KeyAWSRegion, Reason: "is required when aws_cloudwatch is enabled"}
	}
	if cfg.Enabled(ModeAzureMonitor) {
		conn := lookup(KeyAzureConnection)
		if conn == "" {
			return &ConfigError{Key: KeyAzureConnection, Reason: "is required when azure_monitor is enabled"}
		}
		parsed, err := ParseConnectionString(conn)
		if err != nil {
			return &ConfigError{Key: KeyAzureConnection, Reason: err.Error()}
		}
		cfg.AzureMonitor = parsed
	}
	if cfg.Enabled(ModeGELF) && cfg.GELF.Address == "" {
		return &ConfigError{Key: KeyGELFAddr, Reason: "is required when gelf is enabled"}
	}
	return nil
}

// ParseConnectionString parses "Key=Value;Key=Value" connection strings.
// InstrumentationKey is required; per-signal endpoints default to IngestionEndpoint.
func ParseConnectionString(conn string) (AzureMonitorConfig, error) {
	cfg := AzureMonitorConfig{ConnectionString: conn}
	for _, part := range strings.Split(conn, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return AzureMonitorConfig{}, fmt.Errorf("malformed connection string segment %q", part)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "instrumentationkey":
			cfg.InstrumentationKey = value
		case "ingestionendpoint":
			cfg.IngestionEndpoint = value
		case "logsendpoint":
			cfg.LogsEndpoint = value
		case "metricsendpoint":
			cfg.MetricsEndpoint = value
		case "tracesendpoint":
			cfg.TracesEndpoint = value
		}
	}
	if cfg.InstrumentationKey == "" {
		return AzureMonitorConfig{}, errors.New("connection string has no InstrumentationKey")
	}
	cfg.IngestionEndpoint = valueOr(cfg.IngestionEndpoint, defaultAzureEndpoint)
	cfg.LogsEndpoint = valueOr(cfg.LogsEndpoint, cfg.IngestionEndpoint)
	cfg.MetricsEndpoint = valueOr(cfg.MetricsEndpoint, cfg.IngestionEndpoint)
	cfg.TracesEndpoint = valueOr(cfg.TracesEndpoint, cfg.IngestionEndpoint)
	return cfg, nil
}

// tuningFile is the optional YAML document named by TELEMETRY_CONFIG.
type tuningFile struct {
	Delivery struct {
		QueueSize       int    `yaml:"queue_size"`
		BatchSize       int    `yaml:"batch_size"`
		FlushInterval   string `yaml:"flush_interval"`
		MaxAttempts     int    `yaml:"max_attempts"`
		InitialBackoff  string `yaml:"initial_backoff"`
		MaxBackoff      string `yaml:"max_backoff"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"delivery"`
	Local struct {
		Format   string `yaml:"format"`
		Rotation struct {
			MaxSize    string `yaml:"max_size"` // e.g. "10MB"
			MaxAge     string `yaml:"max_age"`  // e.g. "7d"
			MaxBackups *int   `yaml:"max_backups"`
			Compress   bool   `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"local"`
	GELF struct {
		Compression string `yaml:"compression"`
	} `yaml:"gelf"`
}

func applyTuningFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Key: KeyTuningFile, Value: path, Reason: fmt.Sprintf("failed to read: %v", err)}
	}
	var tf tuningFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return &ConfigError{Key: KeyTuningFile, Value: path, Reason: fmt.Sprintf("error parsing: %v", err)}
	}

	d := &cfg.Delivery
	if tf.Delivery.QueueSize != 0 {
		d.QueueSize = tf.Delivery.QueueSize
	}
	if tf.Delivery.BatchSize != 0 {
		d.BatchSize = tf.Delivery.BatchSize
	}
	if tf.Delivery.MaxAttempts != 0 {
		d.MaxAttempts = tf.Delivery.MaxAttempts
	}
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"delivery.flush_interval", tf.Delivery.FlushInterval, &d.FlushInterval},
		{"delivery.initial_backoff", tf.Delivery.InitialBackoff, &d.InitialBackoff},
		{"delivery.max_backoff", tf.Delivery.MaxBackoff, &d.MaxBackoff},
		{"delivery.shutdown_timeout", tf.Delivery.ShutdownTimeout, &d.ShutdownTimeout},
	}
	for _, dur := range durations {
		if dur.value == "" {
			continue
		}
		parsed, err := parseInterval(dur.value)
		if err != nil {
			return &ConfigError{Key: dur.name, Value: dur.value, Reason: err.Error()}
		}
		*dur.dst = parsed
	}

	if tf.Local.Format != "" {
		cfg.Local.Format = strings.ToLower(tf.Local.Format)
	}
	rot := tf.Local.Rotation
	if rot.MaxSize != "" {
		size, err := parseByteSize(rot.MaxSize)
		if err != nil {
			return &ConfigError{Key: "local.rotation.max_size", Value: rot.MaxSize, Reason: err.Error()}
		}
		cfg.Local.Rotation.MaxSizeMB = wholeMegabytes(size)
	}
	if rot.MaxAge != "" {
		age, err := parseInterval(rot.MaxAge)
		if err != nil {
			return &ConfigError{Key: "local.rotation.max_age", Value: rot.MaxAge, Reason: err.Error()}
		}
		cfg.Local.Rotation.MaxAgeDays = wholeDays(age)
	}
	if rot.MaxBackups != nil {
		cfg.Local.Rotation.MaxBackups = *rot.MaxBackups
	}
	cfg.Local.Rotation.Compress = rot.Compress

	if tf.GELF.Compression != "" {
		cfg.GELF.Compression = strings.ToLower(tf.GELF.Compression)
	}
	return nil
}

// validateStruct runs go-playground/validator over the tunable sections.
func validateStruct(cfg *Config) error {
	validate := validator.New()
	for _, section := range []struct {
		name  string
		value any
	}{
		{"delivery", cfg.Delivery},
		{"local", cfg.Local},
		{"gelf", cfg.GELF},
		{"http", cfg.HTTP},
	} {
		err := validate.Struct(section.value)
		if err == nil {
			continue
		}
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return &ConfigError{Key: section.name, Reason: err.Error()}
		}
		var messages []string
		for _, fe := range validationErrors {
			messages = append(messages, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag()))
		}
		return &ConfigError{Key: section.name, Reason: strings.Join(messages, "; ")}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
