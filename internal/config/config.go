// Package config loads server configuration from defaults, an optional YAML
// file and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/amitdevx/FileFlow/internal/validation"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metadata ("postgres" or "memory")
	MetadataBackend string `yaml:"metadata_backend"`
	DatabaseURL     string `yaml:"database_url"`
	MigrationsDir   string `yaml:"migrations_dir"`

	// Storage backend ("local", "s3" or "smb")
	StorageBackend   string `yaml:"storage_backend"`
	LocalStoragePath string `yaml:"local_storage_path"`

	// S3 storage
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`
	S3KeyPrefix string `yaml:"s3_key_prefix"`

	// SMB storage (share mounted by the OS)
	SMBShare     string `yaml:"smb_share"`
	SMBMountPath string `yaml:"smb_mount_path"`

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`

	// Uploads
	MaxUploadSize     int64    `yaml:"max_upload_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`

	// Archives
	WorkDir           string `yaml:"work_dir"`
	MaxExtractBytes   int64  `yaml:"max_extract_bytes"`
	MaxArchiveEntries int    `yaml:"max_archive_entries"`
	MaxListBytes      int64  `yaml:"max_list_bytes"`

	// Rate limiting (0 = unlimited)
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:        ":8080",
		MetricsAddr:       ":9090",
		LogLevel:          "info",
		LogFormat:         "json",
		MetadataBackend:   "postgres",
		StorageBackend:    "local",
		LocalStoragePath:  "/data/storage",
		S3Endpoint:        "http://localhost:9000",
		S3Bucket:          "fileflow",
		S3Region:          "us-east-1",
		MaxUploadSize:     validation.DefaultMaxFileSize,
		AllowedExtensions: append([]string(nil), validation.DefaultExtensions...),
		WorkDir:           "/data/work",
		MaxExtractBytes:   1 << 30,
		MaxArchiveEntries: 10000,
		MaxListBytes:      256 << 20,
		RequestsPerMinute: 0,
	}
}

// Load builds the configuration. CONFIG_FILE names an optional YAML file
// applied over the defaults; environment variables override both.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.MetadataBackend = envOr("METADATA_BACKEND", c.MetadataBackend)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.MigrationsDir = envOr("MIGRATIONS_DIR", c.MigrationsDir)
	c.StorageBackend = envOr("STORAGE_BACKEND", c.StorageBackend)
	c.LocalStoragePath = envOr("LOCAL_STORAGE_PATH", c.LocalStoragePath)
	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOr("S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = envOr("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.S3UseSSL = envBool("S3_USE_SSL", c.S3UseSSL)
	c.S3KeyPrefix = envOr("S3_KEY_PREFIX", c.S3KeyPrefix)
	c.SMBShare = envOr("SMB_SHARE", c.SMBShare)
	c.SMBMountPath = envOr("SMB_MOUNT_PATH", c.SMBMountPath)
	c.TLSCertFile = envOr("TLS_CERT_FILE", c.TLSCertFile)
	c.TLSKeyFile = envOr("TLS_KEY_FILE", c.TLSKeyFile)
	c.JWTSecret = envOr("JWT_SECRET", c.JWTSecret)
	c.MaxUploadSize = envInt64("MAX_UPLOAD_SIZE", c.MaxUploadSize)
	if v := os.Getenv("ALLOWED_EXTENSIONS"); v != "" {
		c.AllowedExtensions = splitList(v)
	}
	c.WorkDir = envOr("WORK_DIR", c.WorkDir)
	c.MaxExtractBytes = envInt64("MAX_EXTRACT_BYTES", c.MaxExtractBytes)
	c.MaxArchiveEntries = envInt("MAX_ARCHIVE_ENTRIES", c.MaxArchiveEntries)
	c.MaxListBytes = envInt64("MAX_LIST_BYTES", c.MaxListBytes)
	c.RequestsPerMinute = envInt("REQUESTS_PER_MINUTE", c.RequestsPerMinute)
}

// Validate checks required settings and backend names.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.MetadataBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres metadata backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown METADATA_BACKEND %q", c.MetadataBackend)
	}
	switch c.StorageBackend {
	case "local", "s3":
	case "smb":
		if c.SMBMountPath == "" {
			return fmt.Errorf("SMB_MOUNT_PATH is required for the smb storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}

// Validation returns the upload rules derived from c.
func (c *Config) Validation() validation.Config {
	return validation.Config{
		AllowedExtensions: c.AllowedExtensions,
		MaxFileSize:       c.MaxUploadSize,
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
