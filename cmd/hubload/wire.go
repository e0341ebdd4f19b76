package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"hubload/internal/config"
	"hubload/internal/coordinator"
	"hubload/internal/store"
	"hubload/internal/transport"
)

// app bundles what every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	coord  *coordinator.Coordinator
	close  func()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// setup loads configuration and opens the session store and transport.
func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	tr, err := openTransport(ctx, cfg, logger)
	if err != nil {
		closeStore()
		return nil, err
	}

	coord, err := coordinator.New(coordinator.Options{
		Config:    cfg,
		Store:     st,
		Transport: tr,
		Logger:    logger,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: st, coord: coord, close: closeStore}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		ps, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return ps, ps.Close, nil
	default:
		fs, err := store.NewFileStore(cfg.SessionDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}

func openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "s3":
		return transport.NewS3(ctx, transport.S3Options{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}, logger)
	case "minio":
		host, secure := minioHost(cfg.Endpoint)
		return transport.NewMinio(transport.MinioOptions{
			Endpoint:  host,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Secure:    secure,
		}, logger)
	case "http":
		return transport.NewHTTP(cfg.Endpoint, nil, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// minioHost strips the scheme the MinIO client does not accept.
func minioHost(endpoint string) (string, bool) {
	if host, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return host, true
	}
	return strings.TrimPrefix(endpoint, "http://"), false
}
