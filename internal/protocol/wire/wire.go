// Package wire frames requests and responses of the remote object protocol.
//
// A request is `<command><argument text>\n` followed by zero or more data
// sections. A response is a status line of whitespace separated tokens
// followed by zero or more data blocks. Sections and blocks are runs of
// lines closed by one empty line; payload lines are dot-stuffed so an empty
// payload line can never be mistaken for the terminator.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/remoteobj/internal/protocol"
)

const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusConcurrency = "concurrency"

	// DefaultMaxLine bounds a single line read from the peer.
	DefaultMaxLine = 1 << 20

	stuffing = '.'
)

var (
	ErrEmptyStatus   = errors.New("wire: empty status line")
	ErrEmptyRequest  = errors.New("wire: empty request line")
	ErrLineTooLong   = errors.New("wire: line too long")
	ErrLineBreak     = errors.New("wire: line contains a line break")
	ErrInvalidStatus = errors.New("wire: invalid status token")
	// ErrTruncatedBlock reports a stream that ended inside a data block.
	ErrTruncatedBlock = errors.New("wire: stream ended inside a data block")
)

// Writer buffers one outbound direction of a connection.
type Writer struct {
	bw *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	if bw, ok := w.(*bufio.Writer); ok {
		return &Writer{bw: bw}
	}
	return &Writer{bw: bufio.NewWriter(w)}
}

// BeginRequest writes the command character immediately followed by the
// argument text. The command is not validated here.
func (w *Writer) BeginRequest(command byte, argument string) error {
	if strings.ContainsAny(argument, "\r\n") {
		return protocol.Usagef("request argument: %v", ErrLineBreak)
	}
	if err := w.bw.WriteByte(command); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(argument); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// WriteStatus writes one status line. The first token is the status.
func (w *Writer) WriteStatus(status string, tokens ...string) error {
	if status != StatusOK && status != StatusError && status != StatusConcurrency {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	line := status
	if len(tokens) > 0 {
		for _, tok := range tokens {
			if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
				return protocol.Usagef("status token %q is not a single word", tok)
			}
		}
		line += " " + strings.Join(tokens, " ")
	}
	if _, err := w.bw.WriteString(line); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// WriteFailure writes an error or concurrency status with its text block.
func (w *Writer) WriteFailure(status, text string) error {
	if status == StatusOK {
		return fmt.Errorf("%w: %q carries no failure block", ErrInvalidStatus, status)
	}
	if err := w.WriteStatus(status); err != nil {
		return err
	}
	if err := w.WriteText(text); err != nil {
		return err
	}
	return w.EndSection()
}

// WriteLine writes one payload line inside the current data section.
func (w *Writer) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return protocol.Usagef("data line: %v", ErrLineBreak)
	}
	if line == "" || line[0] == stuffing {
		if err := w.bw.WriteByte(stuffing); err != nil {
			return err
		}
	}
	if _, err := w.bw.WriteString(line); err != nil {
		return err
	}
	return w.bw.WriteByte('\n')
}

// WriteText writes free text as payload lines, one per text line.
func (w *Writer) WriteText(text string) error {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		if err := w.WriteLine(strings.TrimRight(line, "\r")); err != nil {
			return err
		}
	}
	return nil
}

// WriteSection writes the given payload lines and closes the section.
func (w *Writer) WriteSection(lines ...string) error {
	for _, line := range lines {
		if err := w.WriteLine(line); err != nil {
			return err
		}
	}
	return w.EndSection()
}

// EndSection writes the blank line that terminates every section and block.
func (w *Writer) EndSection() error {
	return w.bw.WriteByte('\n')
}

// Write copies pre-rendered protocol bytes, such as a response assembled in
// a scratch buffer, onto the stream.
func (w *Writer) Write(p []byte) (int, error) {
	return w.bw.Write(p)
}

func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Request is one decoded request line.
type Request struct {
	Command  byte
	Argument string
}

// Args splits the argument text on whitespace.
func (r Request) Args() []string {
	return strings.Fields(r.Argument)
}

// Reader buffers one inbound direction of a connection.
type Reader struct {
	br      *bufio.Reader
	maxLine int
}

func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxLine)
}

func NewReaderSize(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br, maxLine: maxLine}
}

// ReadLine returns the next line without its terminator. io.EOF is returned
// only when the stream ends on a line boundary.
func (r *Reader) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.br.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > r.maxLine+1 {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && sb.Len() > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	line := sb.String()
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// ReadRequest reads one request line.
func (r *Reader) ReadRequest() (Request, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Request{}, err
	}
	if line == "" {
		return Request{}, ErrEmptyRequest
	}
	return Request{Command: line[0], Argument: line[1:]}, nil
}

// ReadStatus reads one status line and freezes its tokens.
func (r *Reader) ReadStatus() (*Status, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, protocol.Usagef("%v", ErrEmptyStatus)
	}
	return newStatus(tokens), nil
}

// ReadDataBlock accumulates payload lines until an empty line or the end of
// the stream. A block cut short by the end of the stream is marked
// Truncated; decoders fail when they need lines it does not have.
func (r *Reader) ReadDataBlock() (*Block, error) {
	var lines []string
	for {
		line, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return &Block{lines: lines, truncated: true}, nil
			}
			return nil, err
		}
		if line == "" {
			return &Block{lines: lines}, nil
		}
		if line[0] == stuffing {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}
