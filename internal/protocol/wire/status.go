package wire

import (
	"strconv"
	"strings"

	"github.com/danmuck/remoteobj/internal/protocol"
)

// Status is the parsed status line of one response. The token list is fixed
// at parse time; the cursor belongs to this response only.
type Status struct {
	code   string
	tokens []string
	pos    int
}

func newStatus(tokens []string) *Status {
	return &Status{code: tokens[0], tokens: tokens[1:]}
}

// NewStatus builds a status from already split tokens. Used by tests and by
// servers that echo a status.
func NewStatus(code string, tokens ...string) *Status {
	cp := make([]string, len(tokens))
	copy(cp, tokens)
	return &Status{code: code, tokens: cp}
}

// Code is the first token: ok, error or concurrency.
func (s *Status) Code() string {
	return s.code
}

// Remaining reports how many tokens have not been consumed.
func (s *Status) Remaining() int {
	return len(s.tokens) - s.pos
}

func (s *Status) String() string {
	if len(s.tokens) == 0 {
		return s.code
	}
	return s.code + " " + strings.Join(s.tokens, " ")
}

// Token consumes the next token. Reading past the last token is a usage
// error and never yields a default.
func (s *Status) Token() (string, error) {
	if s.pos >= len(s.tokens) {
		return "", protocol.Usagef("status %q has no token %d", s.String(), s.pos+1)
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

func (s *Status) Bool() (bool, error) {
	tok, err := s.Token()
	if err != nil {
		return false, err
	}
	switch tok {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, protocol.Encodingf("status token %q is not a boolean", tok)
	}
}

func (s *Status) Long() (int64, error) {
	tok, err := s.Token()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, protocol.WrapEncoding("status token "+strconv.Quote(tok)+" is not a long", err)
	}
	return v, nil
}

func (s *Status) Uint() (uint64, error) {
	tok, err := s.Token()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, protocol.WrapEncoding("status token "+strconv.Quote(tok)+" is not unsigned", err)
	}
	return v, nil
}

// Count reads a non-negative count token.
func (s *Status) Count() (int, error) {
	v, err := s.Long()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, protocol.Encodingf("negative count %d", v)
	}
	return int(v), nil
}

// Block is one data block. Lines are consumed in order through Next.
type Block struct {
	lines     []string
	pos       int
	truncated bool
}

// NewBlock wraps payload lines, mainly for decoding tests.
func NewBlock(lines ...string) *Block {
	return &Block{lines: lines}
}

func (b *Block) Len() int {
	return len(b.lines)
}

// Truncated reports whether the stream ended before the terminator.
func (b *Block) Truncated() bool {
	return b.truncated
}

// Done reports whether every line was consumed.
func (b *Block) Done() bool {
	return b.pos >= len(b.lines)
}

// Next consumes one line; running out is an encoding failure.
func (b *Block) Next() (string, error) {
	if b.pos >= len(b.lines) {
		if b.truncated {
			return "", protocol.Encodingf("truncated data block after %d lines", len(b.lines))
		}
		return "", protocol.Encodingf("data block exhausted after %d lines", len(b.lines))
	}
	line := b.lines[b.pos]
	b.pos++
	return line, nil
}

// Rest consumes all remaining lines.
func (b *Block) Rest() []string {
	rest := b.lines[b.pos:]
	b.pos = len(b.lines)
	return rest
}

// Text returns every line of the block joined with newlines.
func (b *Block) Text() string {
	return strings.Join(b.lines, "\n")
}
