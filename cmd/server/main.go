// FileFlow Server
//
// Features:
// - Per-user file tree with folders, favorites, tags and search
// - Archive create/extract/list (zip, tar, tar.gz, tar.bz2, tar.xz, 7z)
// - SSE and websocket change events
// - Prometheus metrics & structured logging (zap)
// - Rate limiting
// - Local, S3 or SMB-share blob storage, PostgreSQL or in-memory metadata
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/api"
	"github.com/amitdevx/FileFlow/internal/archive"
	"github.com/amitdevx/FileFlow/internal/auth"
	"github.com/amitdevx/FileFlow/internal/compression"
	"github.com/amitdevx/FileFlow/internal/config"
	"github.com/amitdevx/FileFlow/internal/events"
	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metadata"
	"github.com/amitdevx/FileFlow/internal/metadata/memory"
	"github.com/amitdevx/FileFlow/internal/metadata/postgres"
	"github.com/amitdevx/FileFlow/internal/metrics"
	"github.com/amitdevx/FileFlow/internal/quota"
	"github.com/amitdevx/FileFlow/internal/storage"
	"github.com/amitdevx/FileFlow/internal/storage/local"
	s3storage "github.com/amitdevx/FileFlow/internal/storage/s3"
	"github.com/amitdevx/FileFlow/internal/storage/smb"
	"github.com/amitdevx/FileFlow/internal/tree"
	"github.com/amitdevx/FileFlow/internal/validation"
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		panic("load .env: " + err.Error())
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// "token <owner>" prints a bearer token for owner and exits.
	if len(os.Args) == 3 && os.Args[1] == "token" {
		tok, exp, err := auth.New(cfg.JWTSecret).IssueToken(os.Args[2], "", auth.DefaultTokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("%s\n# expires %s\n", tok, exp.Format(time.RFC3339))
		return
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("FileFlow server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("metadata", cfg.MetadataBackend),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata
	repo, pgStore := openMetadata(cfg)
	defer repo.Close()

	// Blob storage
	blobs, err := openStorage(ctx, cfg)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer blobs.Close()
	logging.Info("storage backend ready", zap.String("type", blobs.Type()))

	store := tree.New(repo, blobs, validation.New(cfg.Validation()))

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()

	codec := archive.New(archive.Limits{
		MaxEntries:      cfg.MaxArchiveEntries,
		MaxExtractBytes: cfg.MaxExtractBytes,
	})
	archives, err := compression.New(store, codec, broadcaster, compression.Config{
		WorkDir:      cfg.WorkDir,
		MaxListBytes: cfg.MaxListBytes,
	})
	if err != nil {
		logging.Fatal("archive service init failed", zap.Error(err))
	}

	rateLimiter := quota.NewRateLimiter()

	srv := api.NewServer(store, archives, auth.New(cfg.JWTSecret), broadcaster, api.Options{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Limiter:           rateLimiter,
	})

	// Start metrics server; it also serves the runtime log level
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/log/level", logging.LevelHandler())
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("forced shutdown", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Start periodic metrics update
	if pgStore != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pgStore.UpdateConnectionMetrics()
				}
			}
		}()
	}

	// Start periodic rate limiter bucket cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

// openMetadata returns the configured repository. The postgres store is
// also returned on its own for connection metrics.
func openMetadata(cfg *config.Config) (metadata.Repository, *postgres.Store) {
	if cfg.MetadataBackend == "memory" {
		logging.Warn("using in-memory metadata; nodes are lost on restart")
		return memory.New(), nil
	}

	logging.Info("connecting to PostgreSQL...")
	pg, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}

	migrationsDir := cfg.MigrationsDir
	if migrationsDir == "" {
		migrationsDir = findMigrationsDir()
	}
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := pg.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	} else {
		logging.Warn("no migrations directory found; assuming schema exists")
	}
	return pg, pg
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	var raw []byte
	var err error
	switch cfg.StorageBackend {
	case "s3":
		raw, err = json.Marshal(s3storage.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			KeyPrefix: cfg.S3KeyPrefix,
		})
	case "smb":
		raw, err = json.Marshal(smb.Config{
			Share:     cfg.SMBShare,
			MountPath: cfg.SMBMountPath,
		})
	default:
		raw, err = json.Marshal(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	}
	if err != nil {
		return nil, err
	}
	return storage.NewBackendFromConfig(ctx, cfg.StorageBackend, raw)
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
		"../../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
