// Package client holds the client side of the remote object protocol: one
// Connection per socket and the remote Facade built on top of it.
package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/remoteobj/internal/protocol"
	"github.com/danmuck/remoteobj/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionClosed = errors.New("client: connection closed")
	// ErrInvalidArgument rejects request words that are empty or contain
	// whitespace. Nothing is written to the connection.
	ErrInvalidArgument = errors.New("client: request argument must be a single word")
)

// Connection owns one socket and both of its stream directions. It carries
// at most one request at a time: Exchange holds the connection until the
// whole response, data blocks included, has been consumed.
type Connection struct {
	cfg  Config
	conn net.Conn
	bw   *bufio.Writer
	r    *wire.Reader
	w    *wire.Writer

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial opens a connection. Failures are transport errors.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, protocol.Transport("dial "+cfg.Address, err)
	}
	log.Debug().Str("addr", cfg.Address).Msg("client connection opened")
	return NewConnection(conn, cfg), nil
}

// NewConnection wraps an established socket.
func NewConnection(conn net.Conn, cfg Config) *Connection {
	cfg = cfg.WithDefaults()
	bw := bufio.NewWriter(conn)
	return &Connection{
		cfg:  cfg,
		conn: conn,
		bw:   bw,
		r:    wire.NewReaderSize(conn, cfg.MaxLine),
		w:    wire.NewWriter(bw),
	}
}

// Closed reports whether the connection was closed, explicitly or after a
// transport or protocol usage failure.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Exchange runs one request/response round trip. fn drives the lifecycle
// through the Exchange methods. A transport, usage or encoding failure
// closes the connection; remote failures and conflicts leave it usable.
func (c *Connection) Exchange(ctx context.Context, fn func(x *Exchange) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	x := &Exchange{c: c, ctx: ctx}
	err := fn(x)
	if err == nil && x.status == nil {
		err = protocol.Usagef("exchange finished without reading a status")
	}
	if protocol.Fatal(err) {
		log.Warn().Err(err).Str("addr", c.RemoteAddr()).Msg("client connection aborted")
		c.Close()
	}
	return err
}

// Close releases the reader side, then the writer side. Failures are logged
// and never returned: Close runs on cleanup paths where a secondary error must
// not mask the primary one.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if cr, ok := c.conn.(interface{ CloseRead() error }); ok {
			if err := cr.CloseRead(); err != nil {
				log.Debug().Err(err).Msg("client connection close read")
			}
		}
		if err := c.bw.Flush(); err != nil {
			log.Debug().Err(err).Msg("client connection flush on close")
		}
		if err := c.conn.Close(); err != nil {
			log.Warn().Err(err).Msg("client connection close")
		}
	})
	return nil
}

// Exchange is the lifecycle of one request on a Connection.
type Exchange struct {
	c      *Connection
	ctx    context.Context
	status *wire.Status
	guard  *wire.Guard
}

// BeginRequest writes the command character and the argument line.
func (x *Exchange) BeginRequest(command byte, argument string) error {
	if err := x.arm(x.c.conn.SetWriteDeadline, x.c.cfg.WriteTimeout); err != nil {
		return err
	}
	if err := x.c.w.BeginRequest(command, argument); err != nil {
		return wrapIO("write request", err)
	}
	return nil
}

// WriteLine writes one payload line. Exchange satisfies encoding.LineWriter.
func (x *Exchange) WriteLine(line string) error {
	if err := x.c.w.WriteLine(line); err != nil {
		return wrapIO("write data", err)
	}
	return nil
}

// WriteDataSection writes payload lines and closes the section.
func (x *Exchange) WriteDataSection(lines ...string) error {
	for _, line := range lines {
		if err := x.WriteLine(line); err != nil {
			return err
		}
	}
	return x.EndSection()
}

func (x *Exchange) EndSection() error {
	if err := x.c.w.EndSection(); err != nil {
		return wrapIO("end section", err)
	}
	return nil
}

// SendAndAwaitStatus flushes the request and blocks for the status line,
// bounded by the read timeout.
func (x *Exchange) SendAndAwaitStatus() (*wire.Status, error) {
	if err := x.c.w.Flush(); err != nil {
		return nil, wrapIO("flush request", err)
	}
	if err := x.arm(x.c.conn.SetReadDeadline, x.c.cfg.ReadTimeout); err != nil {
		return nil, err
	}
	st, err := x.c.r.ReadStatus()
	if err != nil {
		return nil, wrapIO("read status", err)
	}
	x.status = st
	x.guard = wire.NewGuard(x)
	return st, nil
}

// Validate runs the concurrency guard over the status just read.
func (x *Exchange) Validate() error {
	if x.status == nil {
		return protocol.Usagef("validate before status was read")
	}
	return x.guard.Inspect(x.status)
}

// Call is SendAndAwaitStatus followed by Validate.
func (x *Exchange) Call() (*wire.Status, error) {
	st, err := x.SendAndAwaitStatus()
	if err != nil {
		return nil, err
	}
	if err := x.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// ReadDataBlock reads the next block of the response. A block cut short by
// the end of the stream is a transport error.
func (x *Exchange) ReadDataBlock() (*wire.Block, error) {
	if x.status == nil {
		return nil, protocol.Usagef("data block read before status")
	}
	b, err := x.c.r.ReadDataBlock()
	if err != nil {
		return nil, wrapIO("read data block", err)
	}
	if b.Truncated() {
		return nil, protocol.Transport("read data block", wire.ErrTruncatedBlock)
	}
	return b, nil
}

// arm sets a deadline from the timeout, tightened by the context deadline.
func (x *Exchange) arm(set func(time.Time) error, timeout time.Duration) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := x.ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := set(deadline); err != nil {
		return protocol.Transport("set deadline", err)
	}
	return nil
}

func wrapIO(op string, err error) error {
	var usage *protocol.UsageError
	var enc *protocol.EncodingError
	if errors.As(err, &usage) || errors.As(err, &enc) {
		return err
	}
	if errors.Is(err, wire.ErrLineTooLong) {
		return protocol.WrapEncoding(op, err)
	}
	return protocol.Transport(op, err)
}
