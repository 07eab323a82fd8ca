package client

import (
	"errors"
	"strings"
	"time"
)

var ErrAddressRequired = errors.New("client: address required")

// Config holds the opaque connection parameters of one client.
type Config struct {
	Address        string
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for a status line.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLine      int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

// WithDefaults fills unset durations from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	return nil
}
