// Package server accepts remote object protocol connections and hands each
// one to a worker of a fixed pool, which serves its requests in order
// against an in-process facade.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/observability"
	"github.com/danmuck/remoteobj/internal/protocol/wire"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const busyText = "server busy"

// Service owns the listener, the worker pool and the admin endpoint.
type Service struct {
	cfg     Config
	pool    *Pool
	started time.Time
	ready   atomic.Bool
}

// NewService starts the worker pool serving f.
func NewService(cfg Config, f facade.Facade) (*Service, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	observability.RegisterMetrics()
	d := facade.NewDispatcher(f,
		facade.WithMaxBatch(cfg.MaxBatch),
		facade.WithObserver(func(op facade.Op, status string, elapsed time.Duration) {
			observability.RecordFacadeRequest(string(op), status, elapsed)
		}))
	pool, err := NewPool(cfg, d)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, pool: pool, started: time.Now()}, nil
}

func (s *Service) Pool() *Pool {
	return s.pool
}

// Ready reports whether the accept loop is running.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Run listens on the configured addresses and blocks until ctx is done or a
// listener fails, then shuts the pool down.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("object service listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		admin := &http.Server{Addr: addr, Handler: s.AdminHandler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", addr).Msg("admin endpoint listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return multierr.Append(err, s.Shutdown(shutdownCtx))
}

// Serve accepts connections on ln until ctx is done. A connection arriving
// while every worker is busy is answered with an error status and closed.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.ready.Store(true)
	defer s.ready.Store(false)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.pool.Assign(conn); err != nil {
			observability.RecordConnection(true)
			log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("connection rejected")
			s.turnAway(conn)
			continue
		}
		observability.RecordConnection(false)
	}
}

// turnAway answers a connection no worker can take.
func (s *Service) turnAway(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	w := wire.NewWriter(conn)
	err := w.WriteFailure(wire.StatusError, busyText)
	if err == nil {
		err = w.Flush()
	}
	err = multierr.Append(err, conn.Close())
	if err != nil {
		log.Debug().Err(err).Msg("turn away connection")
	}
}

// Shutdown stops the pool. Requests being served are answered first.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.pool.Shutdown(ctx)
}
