package server

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/remoteobj/internal/facade"
)

var (
	ErrListenAddrRequired = errors.New("server: listen address required")
	ErrInvalidPoolSize    = errors.New("server: pool size must be positive")
)

// Config holds listener and pool settings of the object service.
type Config struct {
	ListenAddr string
	AdminAddr  string
	// AdminToken guards every admin route except /health. Empty disables
	// the check.
	AdminToken  string
	CORSOrigins []string

	PoolSize int
	// IdleTimeout bounds the wait for the next request on a connection.
	// Zero waits until the peer closes or the pool shuts down.
	IdleTimeout time.Duration
	// RequestTimeout bounds reading the data sections of one request and
	// writing its response.
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	MaxLine         int
	// MaxBatch caps the changes one client action may carry.
	MaxBatch int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:7400",
		AdminAddr:       "",
		PoolSize:        16,
		IdleTimeout:     5 * time.Minute,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBatch:        facade.DefaultMaxBatch,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.PoolSize == 0 {
		c.PoolSize = def.PoolSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = def.MaxBatch
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddrRequired
	}
	if c.PoolSize <= 0 {
		return ErrInvalidPoolSize
	}
	return nil
}
