package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "KEYGUARD_"

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	Logging    LoggingConfig   `yaml:"logging"`
	Device     DeviceConfig    `yaml:"device"`
	Entropy    EntropyConfig   `yaml:"entropy"`
	Crypto     CryptoConfig    `yaml:"crypto"`
	Keys       KeysConfig      `yaml:"keys"`
	Backup     BackupConfig    `yaml:"backup"`
	Storage    StorageConfig   `yaml:"storage"`
	Security   SecurityConfig  `yaml:"security"`
	Audit      AuditConfig     `yaml:"audit"`
	TLS        TLSConfig       `yaml:"tls"`
	Server     ServerConfig    `yaml:"server"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Tracing    TracingConfig   `yaml:"tracing"`
}

// DeviceConfig identifies the node.
type DeviceConfig struct {
	ID string `yaml:"id" env:"DEVICE_ID"`
}

// EntropyConfig selects the random source.
type EntropyConfig struct {
	Source string `yaml:"source" env:"ENTROPY_SOURCE"` // system or device
	Device string `yaml:"device" env:"ENTROPY_DEVICE"` // path of the hardware RNG
}

// CryptoConfig selects algorithms for new keys.
type CryptoConfig struct {
	Algorithm    string `yaml:"algorithm" env:"CRYPTO_ALGORITHM"`
	Signer       string `yaml:"signer" env:"CRYPTO_SIGNER"`
	DefaultLevel string `yaml:"default_level" env:"CRYPTO_DEFAULT_LEVEL"`
}

// KeysConfig holds lifecycle policy defaults.
type KeysConfig struct {
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" env:"KEYS_MAINTENANCE_INTERVAL"`
	GracePeriod         time.Duration `yaml:"grace_period" env:"KEYS_GRACE_PERIOD"`
	ThreatThreshold     int           `yaml:"threat_threshold" env:"KEYS_THREAT_THRESHOLD"`
	SessionRotation     time.Duration `yaml:"session_rotation" env:"KEYS_SESSION_ROTATION"`
	// Bootstrap lists usages that get a key at startup when none exists.
	Bootstrap []string `yaml:"bootstrap" env:"KEYS_BOOTSTRAP"`
	// PolicyFiles are glob patterns of per-usage policy files.
	PolicyFiles []string `yaml:"policy_files" env:"KEYS_POLICY_FILES"`
}

// BackupConfig controls scheduled backups.
type BackupConfig struct {
	Enabled  bool          `yaml:"enabled" env:"BACKUP_ENABLED"`
	Interval time.Duration `yaml:"interval" env:"BACKUP_INTERVAL"`
	Copies   int           `yaml:"copies" env:"BACKUP_COPIES"`
	Offsite  bool          `yaml:"offsite" env:"BACKUP_OFFSITE"`
	Retry    RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds storage retries.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts" env:"BACKUP_RETRY_MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"BACKUP_RETRY_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"BACKUP_RETRY_MAX_INTERVAL"`
}

// StorageConfig configures the primary and offsite blob stores.
type StorageConfig struct {
	Backend string        `yaml:"backend" env:"STORAGE_BACKEND"` // file or memory
	Dir     string        `yaml:"dir" env:"STORAGE_DIR"`
	Offsite OffsiteConfig `yaml:"offsite"`
}

// OffsiteConfig selects the offsite backend.
type OffsiteConfig struct {
	Backend string      `yaml:"backend" env:"OFFSITE_BACKEND"` // s3, vault, or empty
	S3      S3Config    `yaml:"s3"`
	Vault   VaultConfig `yaml:"vault"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Endpoint     string `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region       string `yaml:"region" env:"S3_REGION"`
	Bucket       string `yaml:"bucket" env:"S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"S3_PREFIX"`
	AccessKey    string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"S3_USE_PATH_STYLE"`
}

// VaultConfig holds Vault KV v2 configuration.
type VaultConfig struct {
	Address   string        `yaml:"address" env:"VAULT_ADDR"`
	Token     string        `yaml:"token" env:"VAULT_TOKEN"`
	MountPath string        `yaml:"mount_path" env:"VAULT_MOUNT_PATH"`
	DataPath  string        `yaml:"data_path" env:"VAULT_DATA_PATH"`
	Timeout   time.Duration `yaml:"timeout" env:"VAULT_TIMEOUT"`
}

// SecurityConfig holds master-key and memory settings.
type SecurityConfig struct {
	// MasterPassphrase derives a stable master key. Empty means a random
	// key per boot, which makes persisted state unreadable after restart.
	MasterPassphrase string `yaml:"master_passphrase" env:"MASTER_PASSPHRASE"`
	KDFIterations    int    `yaml:"kdf_iterations" env:"KDF_ITERATIONS"`
	LockMemory       bool   `yaml:"lock_memory" env:"LOCK_MEMORY"`
	SecurityHeaders  bool   `yaml:"security_headers" env:"SECURITY_HEADERS"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"`
}

// LoggingConfig controls the HTTP access log.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOG_ACCESS_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8443",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-keyguard-token", "cookie"},
		},
		Entropy: EntropyConfig{
			Source: "system",
			Device: "/dev/hwrng",
		},
		Crypto: CryptoConfig{
			Algorithm:    "AES256-GCM",
			Signer:       "hash-chain",
			DefaultLevel: "high",
		},
		Keys: KeysConfig{
			MaintenanceInterval: time.Minute,
			GracePeriod:         24 * time.Hour,
			ThreatThreshold:     90,
			SessionRotation:     time.Hour,
			Bootstrap:           []string{"data_encryption", "signature"},
		},
		Backup: BackupConfig{
			Enabled:  true,
			Interval: 6 * time.Hour,
			Copies:   3,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
			},
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "/var/lib/keyguard",
			Offsite: OffsiteConfig{
				S3:    S3Config{Region: "us-east-1", Prefix: "keyguard/"},
				Vault: VaultConfig{MountPath: "secret", DataPath: "keyguard", Timeout: 30 * time.Second},
			},
		},
		Security: SecurityConfig{
			KDFIterations:   310000,
			SecurityHeaders: true,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			MaxBodyBytes:      4 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "field-keyguard",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func getenv(name string) string {
	return os.Getenv(EnvPrefix + name)
}

func envString(name string, dst *string) {
	if v := getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(name string, dst *int) {
	if v := getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(name string, dst *[]string) {
	if v := getenv(name); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

// loadFromEnv loads configuration values from KEYGUARD_* environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("DEVICE_ID", &config.Device.ID)

	envString("ENTROPY_SOURCE", &config.Entropy.Source)
	envString("ENTROPY_DEVICE", &config.Entropy.Device)

	envString("CRYPTO_ALGORITHM", &config.Crypto.Algorithm)
	envString("CRYPTO_SIGNER", &config.Crypto.Signer)
	envString("CRYPTO_DEFAULT_LEVEL", &config.Crypto.DefaultLevel)

	envDuration("KEYS_MAINTENANCE_INTERVAL", &config.Keys.MaintenanceInterval)
	envDuration("KEYS_GRACE_PERIOD", &config.Keys.GracePeriod)
	envInt("KEYS_THREAT_THRESHOLD", &config.Keys.ThreatThreshold)
	envDuration("KEYS_SESSION_ROTATION", &config.Keys.SessionRotation)
	envList("KEYS_BOOTSTRAP", &config.Keys.Bootstrap)
	envList("KEYS_POLICY_FILES", &config.Keys.PolicyFiles)

	envBool("BACKUP_ENABLED", &config.Backup.Enabled)
	envDuration("BACKUP_INTERVAL", &config.Backup.Interval)
	envInt("BACKUP_COPIES", &config.Backup.Copies)
	envBool("BACKUP_OFFSITE", &config.Backup.Offsite)
	if v := getenv("BACKUP_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			config.Backup.Retry.MaxAttempts = uint(n)
		}
	}
	envDuration("BACKUP_RETRY_INITIAL_INTERVAL", &config.Backup.Retry.InitialInterval)
	envDuration("BACKUP_RETRY_MAX_INTERVAL", &config.Backup.Retry.MaxInterval)

	envString("STORAGE_BACKEND", &config.Storage.Backend)
	envString("STORAGE_DIR", &config.Storage.Dir)
	envString("OFFSITE_BACKEND", &config.Storage.Offsite.Backend)

	s3 := &config.Storage.Offsite.S3
	envString("S3_ENDPOINT", &s3.Endpoint)
	envString("S3_REGION", &s3.Region)
	envString("S3_BUCKET", &s3.Bucket)
	envString("S3_PREFIX", &s3.Prefix)
	envString("S3_ACCESS_KEY", &s3.AccessKey)
	envString("S3_SECRET_KEY", &s3.SecretKey)
	envBool("S3_USE_PATH_STYLE", &s3.UsePathStyle)

	vault := &config.Storage.Offsite.Vault
	envString("VAULT_ADDR", &vault.Address)
	envString("VAULT_TOKEN", &vault.Token)
	envString("VAULT_MOUNT_PATH", &vault.MountPath)
	envString("VAULT_DATA_PATH", &vault.DataPath)
	envDuration("VAULT_TIMEOUT", &vault.Timeout)

	envString("MASTER_PASSPHRASE", &config.Security.MasterPassphrase)
	envInt("KDF_ITERATIONS", &config.Security.KDFIterations)
	envBool("LOCK_MEMORY", &config.Security.LockMemory)
	envBool("SECURITY_HEADERS", &config.Security.SecurityHeaders)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envString("LOG_ACCESS_FORMAT", &config.Logging.AccessLogFormat)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	switch c.Entropy.Source {
	case "system", "device":
	default:
		return fmt.Errorf("invalid entropy.source: %s (must be system or device)", c.Entropy.Source)
	}
	if c.Entropy.Source == "device" && c.Entropy.Device == "" {
		return fmt.Errorf("entropy.device is required when entropy.source is device")
	}

	switch c.Crypto.Algorithm {
	case "AES256-GCM", "ChaCha20-Poly1305":
	default:
		return fmt.Errorf("invalid crypto.algorithm: %s", c.Crypto.Algorithm)
	}
	switch c.Crypto.Signer {
	case "hash-chain", "ml-dsa-65":
	default:
		return fmt.Errorf("invalid crypto.signer: %s (must be hash-chain or ml-dsa-65)", c.Crypto.Signer)
	}
	switch c.Crypto.DefaultLevel {
	case "standard", "high", "maximum":
	default:
		return fmt.Errorf("invalid crypto.default_level: %s", c.Crypto.DefaultLevel)
	}

	if c.Keys.MaintenanceInterval <= 0 {
		return fmt.Errorf("keys.maintenance_interval must be positive")
	}
	if c.Keys.GracePeriod < 0 {
		return fmt.Errorf("keys.grace_period must not be negative")
	}
	if c.Keys.ThreatThreshold < 0 || c.Keys.ThreatThreshold > 100 {
		return fmt.Errorf("keys.threat_threshold must be between 0 and 100")
	}

	if c.Backup.Enabled {
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be positive when backups are enabled")
		}
		if c.Backup.Copies < 1 {
			return fmt.Errorf("backup.copies must be at least 1")
		}
		if c.Backup.Offsite && c.Storage.Offsite.Backend == "" {
			return fmt.Errorf("storage.offsite.backend is required when backup.offsite is set")
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be file or memory)", c.Storage.Backend)
	}

	switch c.Storage.Offsite.Backend {
	case "":
	case "s3":
		if c.Storage.Offsite.S3.Bucket == "" {
			return fmt.Errorf("storage.offsite.s3.bucket is required")
		}
		if c.Storage.Offsite.S3.AccessKey == "" || c.Storage.Offsite.S3.SecretKey == "" {
			return fmt.Errorf("storage.offsite.s3 access_key and secret_key are required")
		}
	case "vault":
		if c.Storage.Offsite.Vault.Address == "" {
			return fmt.Errorf("storage.offsite.vault.address is required")
		}
		if c.Storage.Offsite.Vault.MountPath == "" {
			return fmt.Errorf("storage.offsite.vault.mount_path is required")
		}
	default:
		return fmt.Errorf("invalid storage.offsite.backend: %s (must be s3 or vault)", c.Storage.Offsite.Backend)
	}

	if c.Security.MasterPassphrase != "" && len(c.Security.MasterPassphrase) < 12 {
		return fmt.Errorf("security.master_passphrase must be at least 12 characters")
	}
	if c.Security.KDFIterations < 100000 {
		return fmt.Errorf("security.kdf_iterations must be at least 100000")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
