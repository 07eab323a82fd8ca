package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/remoteobj/internal/server"
)

const (
	storeMemory = "memory"
	storeBadger = "badger"
)

// objectd config.toml key mapping to daemon settings.
type fileConfig struct {
	Addr            string   `toml:"addr"`
	AdminAddr       string   `toml:"admin_addr"`
	AdminToken      string   `toml:"admin_token"`
	CORSOrigins     []string `toml:"cors_origins"`
	PoolSize        int      `toml:"pool_size"`
	IdleTimeout     string   `toml:"idle_timeout"`
	RequestTimeout  string   `toml:"request_timeout"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
	MaxLine         int      `toml:"max_line"`
	MaxBatch        int      `toml:"max_batch"`
	Store           string   `toml:"store"`
	StorePath       string   `toml:"store_path"`
	ModelPath       string   `toml:"model_path"`
	LogLevel        string   `toml:"log_level"`
}

type daemonConfig struct {
	Server    server.Config
	Store     string
	StorePath string
	// ModelPath is resolved against the config file directory.
	ModelPath string
	LogLevel  string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Server: server.DefaultConfig(),
		Store:  storeMemory,
	}
}

// objectd loader for TOML config with default overlay.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load objectd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load objectd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Server.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Server.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.Server.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Server.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("pool_size") {
		cfg.Server.PoolSize = raw.PoolSize
	}
	if meta.IsDefined("max_line") {
		cfg.Server.MaxLine = raw.MaxLine
	}
	if meta.IsDefined("max_batch") {
		cfg.Server.MaxBatch = raw.MaxBatch
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &cfg.Server.IdleTimeout},
		{"request_timeout", raw.RequestTimeout, &cfg.Server.RequestTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("load objectd config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("store") {
		cfg.Store = strings.ToLower(strings.TrimSpace(raw.Store))
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = strings.TrimSpace(raw.StorePath)
	}
	if meta.IsDefined("model_path") {
		cfg.ModelPath = resolveRelative(path, raw.ModelPath)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	switch cfg.Store {
	case storeMemory:
	case storeBadger:
		if cfg.StorePath == "" {
			return daemonConfig{}, fmt.Errorf("load objectd config: store_path is required when store=%s", storeBadger)
		}
		cfg.StorePath = resolveRelative(path, cfg.StorePath)
	default:
		return daemonConfig{}, fmt.Errorf("load objectd config: unsupported store %q (expected %s or %s)", cfg.Store, storeMemory, storeBadger)
	}
	if err := cfg.Server.Validate(); err != nil {
		return daemonConfig{}, fmt.Errorf("load objectd config: %w", err)
	}
	return cfg, nil
}

func resolveRelative(configPath, target string) string {
	resolved := strings.TrimSpace(target)
	if resolved == "" || filepath.IsAbs(resolved) {
		return resolved
	}
	return filepath.Join(filepath.Dir(configPath), resolved)
}
