package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv unsets every variable Load reads so the host environment does
// not leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG_FILE", "LISTEN_ADDR", "METRICS_ADDR", "LOG_LEVEL", "LOG_FORMAT",
		"METADATA_BACKEND", "DATABASE_URL", "MIGRATIONS_DIR", "STORAGE_BACKEND",
		"LOCAL_STORAGE_PATH", "S3_ENDPOINT", "S3_BUCKET", "S3_ACCESS_KEY",
		"S3_SECRET_KEY", "S3_REGION", "S3_USE_SSL", "S3_KEY_PREFIX",
		"SMB_SHARE", "SMB_MOUNT_PATH",
		"TLS_CERT_FILE", "TLS_KEY_FILE", "JWT_SECRET", "MAX_UPLOAD_SIZE",
		"ALLOWED_EXTENSIONS", "WORK_DIR", "MAX_EXTRACT_BYTES",
		"MAX_ARCHIVE_ENTRIES", "MAX_LIST_BYTES", "REQUESTS_PER_MINUTE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("METADATA_BACKEND", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" || cfg.StorageBackend != "local" || cfg.MaxUploadSize != 100<<20 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Validation().MaxFileSize != 100<<20 || len(cfg.Validation().AllowedExtensions) == 0 {
		t.Errorf("validation config = %+v", cfg.Validation())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "fileflow.yaml")
	yaml := `
listen_addr: ":7000"
metadata_backend: memory
jwt_secret: from-file
allowed_extensions: [txt, md]
requests_per_minute: 30
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LISTEN_ADDR", ":7001")
	t.Setenv("ALLOWED_EXTENSIONS", " pdf, ,png ")
	t.Setenv("S3_USE_SSL", "notabool")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7001" {
		t.Errorf("env should override file, got %s", cfg.ListenAddr)
	}
	if cfg.JWTSecret != "from-file" || cfg.RequestsPerMinute != 30 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if strings.Join(cfg.AllowedExtensions, ",") != "pdf,png" {
		t.Errorf("extensions = %v", cfg.AllowedExtensions)
	}
	if cfg.S3UseSSL {
		t.Error("invalid bool should fall back to the current value")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no secret", map[string]string{"METADATA_BACKEND": "memory"}, "JWT_SECRET"},
		{"postgres without url", map[string]string{"JWT_SECRET": "s"}, "DATABASE_URL"},
		{"bad metadata", map[string]string{"JWT_SECRET": "s", "METADATA_BACKEND": "sqlite"}, "METADATA_BACKEND"},
		{"bad storage", map[string]string{"JWT_SECRET": "s", "METADATA_BACKEND": "memory", "STORAGE_BACKEND": "ftp"}, "STORAGE_BACKEND"},
		{"smb without mount", map[string]string{"JWT_SECRET": "s", "METADATA_BACKEND": "memory", "STORAGE_BACKEND": "smb"}, "SMB_MOUNT_PATH"},
		{"half tls", map[string]string{"JWT_SECRET": "s", "METADATA_BACKEND": "memory", "TLS_CERT_FILE": "c.pem"}, "TLS"},
		{"missing file", map[string]string{"CONFIG_FILE": "/nonexistent/fileflow.yaml"}, "config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
