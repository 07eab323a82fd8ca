// Package config loads the object model file of the server: the types and
// members of the metamodel, the users allowed to open sessions, member
// access rules, named services and session properties.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/remoteobj/internal/auth"
	"github.com/danmuck/remoteobj/internal/metamodel"
	"github.com/pelletier/go-toml/v2"
)

type ModelConfig struct {
	Types      []TypeConfig      `toml:"types"`
	Users      []UserConfig      `toml:"users"`
	Rules      []RuleConfig      `toml:"rules"`
	Services   []ServiceConfig   `toml:"services"`
	Properties map[string]string `toml:"properties"`
}

type TypeConfig struct {
	Name    string         `toml:"name"`
	Members []MemberConfig `toml:"members"`
}

type MemberConfig struct {
	Name       string `toml:"name"`
	Kind       string `toml:"kind"`
	Target     string `toml:"target"`
	ClientSide bool   `toml:"client_side"`
}

// UserConfig holds a bcrypt hash, never a clear text password.
type UserConfig struct {
	Name         string `toml:"name"`
	PasswordHash string `toml:"password_hash"`
}

type RuleConfig struct {
	User   string `toml:"user"`
	Type   string `toml:"type"`
	Member string `toml:"member"`
	Access string `toml:"access"`
	Deny   bool   `toml:"deny"`
}

// ServiceConfig binds a well known name to the first instance of Type,
// created on startup when none exists.
type ServiceConfig struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
}

func LoadModelConfig(path string) (ModelConfig, error) {
	var cfg ModelConfig
	if err := loadToml(path, &cfg); err != nil {
		return ModelConfig{}, err
	}
	if err := ValidateModelConfig(cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// ParseModelConfig decodes and validates model TOML held in memory.
func ParseModelConfig(data []byte) (ModelConfig, error) {
	var cfg ModelConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := ValidateModelConfig(cfg); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateModelConfig(cfg ModelConfig) error {
	types := make(map[string]bool, len(cfg.Types))
	for i, t := range cfg.Types {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("type[%d] missing name", i)
		}
		if types[name] {
			return fmt.Errorf("type %q declared twice", name)
		}
		types[name] = true
		for j, m := range t.Members {
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("type %q member[%d] missing name", name, j)
			}
			if _, err := metamodel.ParseKind(m.Kind); err != nil {
				return fmt.Errorf("type %q member %q: %w", name, m.Name, err)
			}
		}
	}
	users := make(map[string]bool, len(cfg.Users))
	for i, u := range cfg.Users {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return fmt.Errorf("user[%d] missing name", i)
		}
		if users[name] {
			return fmt.Errorf("user %q declared twice", name)
		}
		users[name] = true
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			return fmt.Errorf("user %q password_hash is not a bcrypt hash", name)
		}
	}
	for i, r := range cfg.Rules {
		switch strings.TrimSpace(r.Access) {
		case "", auth.Wildcard, string(auth.AccessUse), string(auth.AccessView):
		default:
			return fmt.Errorf("rule[%d] access %q must be use, view or *", i, r.Access)
		}
	}
	for i, s := range cfg.Services {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("service[%d] missing name", i)
		}
		if !types[strings.TrimSpace(s.Type)] {
			return fmt.Errorf("service %q names unknown type %q", s.Name, s.Type)
		}
	}
	return nil
}
