package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrPoolExhausted = errors.New("server: no idle worker")
	ErrPoolClosed    = errors.New("server: pool shut down")
)

// Pool owns a fixed set of workers. Each worker services one connection at
// a time and returns to the idle set when that connection ends.
type Pool struct {
	cfg      Config
	dispatch *facade.Dispatcher

	// mu orders hand-offs against Shutdown so a worker that saw the pool
	// close always finds a connection handed to it before that.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	idle    chan *Worker
	workers []*Worker
	wg      sync.WaitGroup
	busy    atomic.Int64
}

// NewPool starts cfg.PoolSize workers.
func NewPool(cfg Config, d *facade.Dispatcher) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		dispatch: d,
		ctx:      ctx,
		cancel:   cancel,
		idle:     make(chan *Worker, cfg.PoolSize),
		workers:  make([]*Worker, cfg.PoolSize),
	}
	for i := range p.workers {
		w := &Worker{id: i, pool: p, assign: make(chan net.Conn, 1)}
		p.workers[i] = w
		p.idle <- w
		p.wg.Add(1)
		go w.run()
	}
	log.Info().Int("workers", cfg.PoolSize).Msg("worker pool started")
	return p, nil
}

// Size is the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Available reports idle workers.
func (p *Pool) Available() int {
	return len(p.idle)
}

// Busy reports workers currently servicing a connection.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Assign hands conn to an idle worker. It never blocks: with no idle worker
// it returns ErrPoolExhausted and the caller keeps ownership of conn.
func (p *Pool) Assign(conn net.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	select {
	case w := <-p.idle:
		observability.SetBusyWorkers(int(p.busy.Add(1)))
		w.assign <- conn
		return nil
	default:
		return ErrPoolExhausted
	}
}

// release returns w to the idle set. Called exactly once per assignment.
func (p *Pool) release(w *Worker) {
	observability.SetBusyWorkers(int(p.busy.Add(-1)))
	p.idle <- w
}

// Shutdown stops accepting assignments, interrupts idle connections and
// waits for every worker to exit. A request being served completes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	for _, w := range p.workers {
		w.interrupt()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
