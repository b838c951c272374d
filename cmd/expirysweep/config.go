package main

import (
	"context"
	"fmt"
	"os"

	expirysweep "github.com/abreka/caddy-expirysweep"
	"github.com/caddyserver/certmagic"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// loadConfig reads path on top of the defaults and then applies the
// environment. An empty path means defaults plus environment.
func loadConfig(path string) (expirysweep.Config, error) {
	cfg := expirysweep.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.LoadOverrides()
	return cfg, cfg.Validate()
}

func newLogger() (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// fileLocker is the "storage" lock outside of Caddy: certmagic's file
// storage, which only coordinates sweepers sharing a filesystem.
func fileLocker(dir string) certmagic.Locker {
	if dir == "" {
		return certmagic.Default.Storage
	}
	return &certmagic.FileStorage{Path: dir}
}

func newService(ctx context.Context, logger *zap.SugaredLogger) (*expirysweep.Service, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return expirysweep.NewService(ctx, cfg, logger, expirysweep.DefaultMetrics(), fileLocker(storageDir))
}
