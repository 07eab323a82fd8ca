package facade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/remoteobj/internal/protocol"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/danmuck/remoteobj/internal/protocol/wire"
)

var (
	ErrUnknownCommand   = errors.New("facade: unknown command")
	ErrMalformedRequest = errors.New("facade: malformed request")
)

// DefaultMaxBatch bounds the number of changes one client action may carry.
const DefaultMaxBatch = 1024

// Observer is told about every dispatched request.
type Observer func(op Op, status string, elapsed time.Duration)

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

func WithObserver(obs Observer) DispatchOption {
	return func(d *Dispatcher) { d.observe = obs }
}

// WithMaxBatch caps the section count announced by a client action. Values
// below one keep DefaultMaxBatch.
func WithMaxBatch(n int) DispatchOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxBatch = n
		}
	}
}

// Dispatcher decodes requests read from a connection, calls the in-process
// Facade and encodes its answer.
type Dispatcher struct {
	facade   Facade
	observe  Observer
	maxBatch int
}

func NewDispatcher(f Facade, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{facade: f, maxBatch: DefaultMaxBatch}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// reply is a rendered ok response.
type reply struct {
	tokens []string
	body   func(w *wire.Writer) error
}

// Dispatch serves one request whose line has already been read. Failures of
// the operation are answered on the wire; a returned error means the stream
// can no longer be trusted and the connection must be dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, req wire.Request, r *wire.Reader, w *wire.Writer) error {
	desc, ok := Lookup(req.Command)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command)
		if werr := d.writeFailure(w, wire.StatusError, err.Error()); werr != nil {
			return werr
		}
		return err
	}
	args := req.Args()
	sectionCount := desc.Sections
	if sectionCount < 0 {
		n, err := trailingCount(args, desc.Args)
		if err == nil && n > d.maxBatch {
			err = fmt.Errorf("%d sections exceed the limit of %d", n, d.maxBatch)
		}
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrMalformedRequest, desc.Op, err)
			if werr := d.writeFailure(w, wire.StatusError, err.Error()); werr != nil {
				return werr
			}
			return err
		}
		sectionCount = n
	}
	var sections []*wire.Block
	for i := 0; i < sectionCount; i++ {
		block, err := r.ReadDataBlock()
		if err != nil {
			return err
		}
		if block.Truncated() {
			return fmt.Errorf("%w: %s: stream ended inside section %d", ErrMalformedRequest, desc.Op, i+1)
		}
		sections = append(sections, block)
	}

	start := time.Now()
	status := wire.StatusOK
	out, err := d.handle(ctx, desc, args, sections)
	if err == nil {
		var payload []byte
		payload, err = render(out)
		if err != nil {
			// nothing reached the stream yet; answer with the failure instead
			status, err = wire.StatusError, d.writeFailure(w, wire.StatusError, err.Error())
		} else if _, err = w.Write(payload); err == nil {
			err = w.Flush()
		}
	} else {
		var text string
		status, text = failureStatus(err)
		err = d.writeFailure(w, status, text)
	}
	if d.observe != nil {
		d.observe(desc.Op, status, time.Since(start))
	}
	return err
}

// render assembles an ok response in a scratch buffer so an encoding failure
// never leaves half a response on the stream.
func render(out reply) ([]byte, error) {
	var buf bytes.Buffer
	scratch := wire.NewWriter(&buf)
	if err := scratch.WriteStatus(wire.StatusOK, out.tokens...); err != nil {
		return nil, err
	}
	if out.body != nil {
		if err := out.body(scratch); err != nil {
			return nil, err
		}
	}
	if err := scratch.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Dispatcher) writeFailure(w *wire.Writer, status, text string) error {
	if err := w.WriteFailure(status, text); err != nil {
		return err
	}
	return w.Flush()
}

func failureStatus(err error) (string, string) {
	var conflict *protocol.ConflictError
	if errors.As(err, &conflict) {
		return wire.StatusConcurrency, conflict.Detail
	}
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		return wire.StatusError, remote.Message
	}
	return wire.StatusError, err.Error()
}

func (d *Dispatcher) handle(ctx context.Context, desc Descriptor, args []string, sections []*wire.Block) (reply, error) {
	if len(args) != desc.Args {
		return reply{}, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrMalformedRequest, desc.Op, desc.Args, len(args))
	}
	if desc.Op == OpOpenSession {
		password, err := singleLine(sections[0])
		if err != nil {
			return reply{}, err
		}
		s, err := d.facade.OpenSession(ctx, args[0], password)
		if err != nil {
			return reply{}, err
		}
		return reply{tokens: []string{string(s)}}, nil
	}

	s := Session(args[0])
	switch desc.Op {
	case OpCloseSession:
		return reply{}, d.facade.CloseSession(ctx, s)

	case OpIsUsable, OpIsVisible:
		target, err := identitySection(sections[0])
		if err != nil {
			return reply{}, err
		}
		check := d.facade.IsUsable
		if desc.Op == OpIsVisible {
			check = d.facade.IsVisible
		}
		ok, err := check(ctx, s, args[1], target)
		if err != nil {
			return reply{}, err
		}
		return reply{tokens: []string{strconv.FormatBool(ok)}}, nil

	case OpGetObject:
		oid, err := oidSection(sections[0])
		if err != nil {
			return reply{}, err
		}
		obj, err := d.facade.GetObject(ctx, s, args[1], oid)
		if err != nil {
			return reply{}, err
		}
		return identityReply(obj), nil

	case OpResolveObject:
		target, err := identitySection(sections[0])
		if err != nil {
			return reply{}, err
		}
		state, err := d.facade.ResolveObject(ctx, s, target)
		if err != nil {
			return reply{}, err
		}
		return reply{
			tokens: []string{strconv.Itoa(len(state.Fields))},
			body: func(w *wire.Writer) error {
				if err := encoding.WriteIdentity(w, state.Object); err != nil {
					return err
				}
				if err := w.EndSection(); err != nil {
					return err
				}
				for _, f := range state.Fields {
					if err := encoding.WriteNamedField(w, f); err != nil {
						return err
					}
					if err := w.EndSection(); err != nil {
						return err
					}
				}
				return nil
			},
		}, nil

	case OpResolveField:
		target, err := identitySection(sections[0])
		if err != nil {
			return reply{}, err
		}
		fs, err := d.facade.ResolveField(ctx, s, target, args[1])
		if err != nil {
			return reply{}, err
		}
		return reply{
			tokens: []string{fs.Version.String()},
			body: func(w *wire.Writer) error {
				if err := encoding.WriteField(w, fs.Field); err != nil {
					return err
				}
				return w.EndSection()
			},
		}, nil

	case OpFindInstances:
		q := Query{Type: args[1]}
		criteria, err := criteriaSection(sections[0])
		if err != nil {
			return reply{}, err
		}
		q.Criteria = criteria
		found, err := d.facade.FindInstances(ctx, s, q)
		if err != nil {
			return reply{}, err
		}
		return reply{
			tokens: []string{strconv.Itoa(len(found))},
			body: func(w *wire.Writer) error {
				for _, obj := range found {
					if err := encoding.WriteIdentity(w, obj); err != nil {
						return err
					}
					if err := w.EndSection(); err != nil {
						return err
					}
				}
				return nil
			},
		}, nil

	case OpHasInstances:
		ok, err := d.facade.HasInstances(ctx, s, args[1])
		if err != nil {
			return reply{}, err
		}
		return reply{tokens: []string{strconv.FormatBool(ok)}}, nil

	case OpOidForService:
		obj, err := d.facade.OidForService(ctx, s, args[1])
		if err != nil {
			return reply{}, err
		}
		return identityReply(obj), nil

	case OpSetAssociation, OpClearAssociation:
		target, err := identitySection(sections[0])
		if err != nil {
			return reply{}, err
		}
		associate, err := identitySection(sections[1])
		if err != nil {
			return reply{}, err
		}
		mutate := d.facade.SetAssociation
		if desc.Op == OpClearAssociation {
			mutate = d.facade.ClearAssociation
		}
		v, err := mutate(ctx, s, target, args[1], associate)
		if err != nil {
			return reply{}, err
		}
		return versionReply(v), nil

	case OpSetValue:
		target, err := identitySection(sections[0])
		if err != nil {
			return reply{}, err
		}
		value, err := valueSection(sections[1])
		if err != nil {
			return reply{}, err
		}
		v, err := d.facade.SetValue(ctx, s, target, args[1], value)
		if err != nil {
			return reply{}, err
		}
		return versionReply(v), nil

	case OpClearValue:
		target, err := identitySection(sections[0])
		if err != nil {
			return reply{}, err
		}
		v, err := d.facade.ClearValue(ctx, s, target, args[1])
		if err != nil {
			return reply{}, err
		}
		return versionReply(v), nil

	case OpExecuteClientAction:
		changes := make([]FieldChange, 0, len(sections))
		for _, section := range sections {
			change, err := changeSection(section)
			if err != nil {
				return reply{}, err
			}
			changes = append(changes, change)
		}
		versions, err := d.facade.ExecuteClientAction(ctx, s, changes)
		if err != nil {
			return reply{}, err
		}
		if len(versions) != len(changes) {
			return reply{}, fmt.Errorf("facade: client action returned %d versions for %d changes", len(versions), len(changes))
		}
		tokens := make([]string, len(versions))
		for i, v := range versions {
			tokens[i] = v.String()
		}
		return reply{tokens: tokens}, nil

	case OpExecuteServerAction:
		target, err := identitySection(sections[0])
		if err != nil {
			return reply{}, err
		}
		params, err := encoding.ReadFields(sections[1])
		if err != nil {
			return reply{}, err
		}
		if !sections[1].Done() {
			return reply{}, trailingLines(sections[1])
		}
		res, err := d.facade.ExecuteServerAction(ctx, s, target, args[1], params)
		if err != nil {
			return reply{}, err
		}
		return reply{
			tokens: []string{res.Version.String()},
			body: func(w *wire.Writer) error {
				if err := encoding.WriteField(w, res.Result); err != nil {
					return err
				}
				return w.EndSection()
			},
		}, nil

	case OpGetProperties:
		props, err := d.facade.GetProperties(ctx, s)
		if err != nil {
			return reply{}, err
		}
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return reply{
			tokens: []string{strconv.Itoa(len(keys))},
			body: func(w *wire.Writer) error {
				for _, k := range keys {
					if err := w.WriteLine(k + "=" + props[k]); err != nil {
						return err
					}
				}
				return w.EndSection()
			},
		}, nil
	}
	return reply{}, fmt.Errorf("%w: %s", ErrUnknownCommand, desc.Op)
}

func identityReply(obj encoding.ObjectData) reply {
	return reply{body: func(w *wire.Writer) error {
		if err := encoding.WriteIdentity(w, obj); err != nil {
			return err
		}
		return w.EndSection()
	}}
}

func versionReply(v encoding.Version) reply {
	return reply{tokens: []string{v.String()}}
}

func trailingCount(args []string, want int) (int, error) {
	if len(args) != want {
		return 0, fmt.Errorf("want %d arguments, got %d", want, len(args))
	}
	n, err := strconv.Atoi(args[want-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid section count %q", args[want-1])
	}
	return n, nil
}

func trailingLines(b *wire.Block) error {
	return protocol.Encodingf("%d unexpected trailing lines in section", len(b.Rest()))
}

func singleLine(b *wire.Block) (string, error) {
	line, err := b.Next()
	if err != nil {
		return "", err
	}
	if !b.Done() {
		return "", trailingLines(b)
	}
	return line, nil
}

func identitySection(b *wire.Block) (encoding.ObjectData, error) {
	d, err := encoding.ReadIdentity(b)
	if err != nil {
		return encoding.ObjectData{}, err
	}
	if !b.Done() {
		return encoding.ObjectData{}, trailingLines(b)
	}
	return d, nil
}

func valueSection(b *wire.Block) (encoding.Value, error) {
	v, err := encoding.ReadValue(b)
	if err != nil {
		return encoding.Value{}, err
	}
	if !b.Done() {
		return encoding.Value{}, trailingLines(b)
	}
	return v, nil
}

func oidSection(b *wire.Block) (encoding.Oid, error) {
	v, err := valueSection(b)
	if err != nil {
		return "", err
	}
	decoded, err := encoding.DecodeValue(v)
	if err != nil {
		return "", err
	}
	oid, ok := decoded.(string)
	if !ok || oid == "" {
		return "", protocol.Encodingf("identity must be a non-empty %s value, got %s", encoding.StringTag, v.Tag)
	}
	return encoding.Oid(oid), nil
}

func criteriaSection(b *wire.Block) (*Criteria, error) {
	if b.Len() == 0 {
		return nil, nil
	}
	field, err := b.Next()
	if err != nil {
		return nil, err
	}
	v, err := valueSection(b)
	if err != nil {
		return nil, err
	}
	return &Criteria{Field: field, Value: v}, nil
}

func changeSection(b *wire.Block) (FieldChange, error) {
	target, err := encoding.ReadIdentity(b)
	if err != nil {
		return FieldChange{}, err
	}
	nf, err := encoding.ReadNamedField(b)
	if err != nil {
		return FieldChange{}, err
	}
	if !b.Done() {
		return FieldChange{}, trailingLines(b)
	}
	return FieldChange{Target: target, Field: nf.Name, Value: nf.Field}, nil
}
