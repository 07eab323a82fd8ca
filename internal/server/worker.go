package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/danmuck/remoteobj/internal/protocol/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Worker services the requests of one connection at a time, in order.
type Worker struct {
	id     int
	pool   *Pool
	assign chan net.Conn

	mu        sync.Mutex
	conn      net.Conn
	inRequest bool
}

func (w *Worker) run() {
	defer w.pool.wg.Done()
	for {
		select {
		case <-w.pool.ctx.Done():
			w.drain()
			return
		case conn := <-w.assign:
			w.serve(conn)
			w.pool.release(w)
		}
	}
}

// drain closes a connection handed over while the pool was shutting down.
func (w *Worker) drain() {
	select {
	case conn := <-w.assign:
		w.pool.release(w)
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Int("worker", w.id).Msg("close unserved connection")
		}
	default:
	}
}

func (w *Worker) serve(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("worker", w.id).Interface("panic", r).Msg("request handler panicked; connection dropped")
		}
	}()
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.inRequest = false
		w.mu.Unlock()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Int("worker", w.id).Msg("close connection")
		}
	}()

	cfg := w.pool.cfg
	r := wire.NewReaderSize(conn, cfg.MaxLine)
	wr := wire.NewWriter(conn)
	logger := log.With().Int("worker", w.id).Str("peer", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("connection assigned")

	ctx := context.WithoutCancel(w.pool.ctx)
	for {
		if !w.armIdle(logger) {
			return
		}
		req, err := r.ReadRequest()
		if err != nil {
			if errors.Is(err, wire.ErrEmptyRequest) {
				if !w.beginRequest(logger) {
					return
				}
				if werr := w.reject(wr, "empty request line"); werr != nil {
					logger.Warn().Err(werr).Msg("write failure response")
					return
				}
				continue
			}
			w.logReadError(logger, err)
			return
		}
		if !w.beginRequest(logger) {
			return
		}
		if err := w.pool.dispatch.Dispatch(ctx, req, r, wr); err != nil {
			logger.Warn().Err(err).Str("command", string(req.Command)).Msg("dropping connection")
			return
		}
	}
}

// armIdle prepares the wait for the next request. It reports false once the
// pool is shutting down.
func (w *Worker) armIdle(logger zerolog.Logger) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pool.ctx.Err() != nil {
		logger.Info().Msg("connection closed for shutdown")
		return false
	}
	w.inRequest = false
	deadline := time.Time{}
	if t := w.pool.cfg.IdleTimeout; t > 0 {
		deadline = time.Now().Add(t)
	}
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		logger.Warn().Err(err).Msg("set idle deadline")
		return false
	}
	return true
}

// beginRequest bounds the rest of the request and its response.
func (w *Worker) beginRequest(logger zerolog.Logger) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inRequest = true
	deadline := time.Now().Add(w.pool.cfg.RequestTimeout)
	if err := w.conn.SetDeadline(deadline); err != nil {
		logger.Warn().Err(err).Msg("set request deadline")
		return false
	}
	return true
}

// interrupt wakes a worker blocked waiting for the next request. A worker in
// the middle of a request is left alone and stops after answering it.
func (w *Worker) interrupt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil || w.inRequest {
		return
	}
	if err := w.conn.SetReadDeadline(time.Now()); err != nil {
		log.Debug().Err(err).Int("worker", w.id).Msg("interrupt connection")
	}
}

func (w *Worker) reject(wr *wire.Writer, text string) error {
	if err := wr.WriteFailure(wire.StatusError, text); err != nil {
		return err
	}
	return wr.Flush()
}

func (w *Worker) logReadError(logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.Info().Msg("peer closed")
	case w.pool.ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded):
		logger.Info().Msg("connection closed for shutdown")
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Info().Dur("idle_timeout", w.pool.cfg.IdleTimeout).Msg("idle connection timed out")
	default:
		logger.Warn().Err(err).Msg("read request")
	}
}
