package wire

import (
	"github.com/danmuck/remoteobj/internal/protocol"
)

// GuardState is the per-request state of the concurrency guard.
type GuardState int

const (
	GuardNormal GuardState = iota
	GuardConflicted
)

func (s GuardState) String() string {
	switch s {
	case GuardNormal:
		return "normal"
	case GuardConflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// BlockSource reads the data block attached to a failure status.
type BlockSource interface {
	ReadDataBlock() (*Block, error)
}

// Guard inspects the status of one response. It moves to GuardConflicted
// only on a concurrency status and never retries or merges.
type Guard struct {
	src   BlockSource
	state GuardState
}

func NewGuard(src BlockSource) *Guard {
	return &Guard{src: src}
}

func (g *Guard) State() GuardState {
	return g.state
}

// Inspect returns nil for ok. For error and concurrency it reads the
// accompanying block and returns a RemoteError or ConflictError carrying the
// block text verbatim. A block cut short by the end of the stream is a
// transport error. Any other status is a usage error.
func (g *Guard) Inspect(st *Status) error {
	switch st.Code() {
	case StatusOK:
		return nil
	case StatusError:
		block, err := g.src.ReadDataBlock()
		if err != nil {
			return protocol.Transport("read error block", err)
		}
		if block.Truncated() {
			return protocol.Transport("read error block", ErrTruncatedBlock)
		}
		return &protocol.RemoteError{Message: block.Text()}
	case StatusConcurrency:
		g.state = GuardConflicted
		block, err := g.src.ReadDataBlock()
		if err != nil {
			return protocol.Transport("read conflict block", err)
		}
		if block.Truncated() {
			return protocol.Transport("read conflict block", ErrTruncatedBlock)
		}
		return &protocol.ConflictError{Detail: block.Text()}
	default:
		return protocol.Usagef("unrecognized status %q", st.Code())
	}
}
