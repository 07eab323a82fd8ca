package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/remoteobj/internal/client"
)

// objectctl config.toml key mapping to client settings.
type fileConfig struct {
	Addr           string `toml:"addr"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	ConnectTimeout string `toml:"connect_timeout"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	MaxLine        int    `toml:"max_line"`
	ModelPath      string `toml:"model_path"`
}

type ctlConfig struct {
	Client   client.Config
	User     string
	Password string
	// ModelPath is resolved against the config file directory. Mutating
	// commands need it to build proxies.
	ModelPath string
}

func defaultCtlConfig() ctlConfig {
	cfg := client.DefaultConfig()
	cfg.Address = "127.0.0.1:7400"
	return ctlConfig{Client: cfg, User: "anonymous"}
}

// objectctl loader for TOML config with default overlay. An empty path
// yields the defaults.
func loadCtlConfig(path string) (ctlConfig, error) {
	cfg := defaultCtlConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ctlConfig{}, fmt.Errorf("load objectctl config: %w", err)
	}
	if meta.IsDefined("addr") {
		cfg.Client.Address = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("user") {
		cfg.User = strings.TrimSpace(raw.User)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("max_line") {
		cfg.Client.MaxLine = raw.MaxLine
	}
	if meta.IsDefined("model_path") {
		cfg.ModelPath = resolveRelative(path, strings.TrimSpace(raw.ModelPath))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Client.ConnectTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Client.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Client.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return ctlConfig{}, fmt.Errorf("load objectctl config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if err := cfg.Client.Validate(); err != nil {
		return ctlConfig{}, fmt.Errorf("load objectctl config: %w", err)
	}
	return cfg, nil
}

func resolveRelative(configPath, target string) string {
	if target == "" || filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(configPath), target)
}
