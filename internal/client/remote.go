package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/protocol"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/danmuck/remoteobj/internal/protocol/wire"
)

// Remote implements facade.Facade by marshalling every call over a
// Connection.
type Remote struct {
	conn *Connection
}

var _ facade.Facade = (*Remote)(nil)

func NewRemote(conn *Connection) *Remote {
	return &Remote{conn: conn}
}

func (r *Remote) Connection() *Connection {
	return r.conn
}

// argLine joins request words, refusing words that would split differently
// on the server.
func argLine(words ...string) (string, error) {
	for _, w := range words {
		if w == "" || strings.ContainsAny(w, " \t\r\n") {
			return "", fmt.Errorf("%w: %q", ErrInvalidArgument, w)
		}
	}
	return strings.Join(words, " "), nil
}

// call writes one request and hands the validated status to read.
func (r *Remote) call(ctx context.Context, op facade.Op, args []string, sections []func(x *Exchange) error, read func(x *Exchange, st *wire.Status) error) error {
	line, err := argLine(args...)
	if err != nil {
		return err
	}
	desc := facade.Describe(op)
	return r.conn.Exchange(ctx, func(x *Exchange) error {
		if err := x.BeginRequest(desc.Command, line); err != nil {
			return err
		}
		for _, write := range sections {
			if err := write(x); err != nil {
				return err
			}
			if err := x.EndSection(); err != nil {
				return err
			}
		}
		st, err := x.Call()
		if err != nil {
			return err
		}
		if read == nil {
			return nil
		}
		return read(x, st)
	})
}

func identity(d encoding.ObjectData) func(x *Exchange) error {
	return func(x *Exchange) error { return encoding.WriteIdentity(x, d) }
}

func value(v encoding.Value) func(x *Exchange) error {
	return func(x *Exchange) error { return encoding.WriteValue(x, v) }
}

func readVersion(out *encoding.Version) func(x *Exchange, st *wire.Status) error {
	return func(_ *Exchange, st *wire.Status) error {
		v, err := st.Uint()
		if err != nil {
			return err
		}
		*out = encoding.Version(v)
		return nil
	}
}

func readIdentityBlock(x *Exchange) (encoding.ObjectData, error) {
	block, err := x.ReadDataBlock()
	if err != nil {
		return encoding.ObjectData{}, err
	}
	d, err := encoding.ReadIdentity(block)
	if err != nil {
		return encoding.ObjectData{}, err
	}
	if !block.Done() {
		return encoding.ObjectData{}, protocol.Encodingf("identity block has %d extra lines", len(block.Rest()))
	}
	return d, nil
}

func (r *Remote) OpenSession(ctx context.Context, user, password string) (facade.Session, error) {
	var s facade.Session
	err := r.call(ctx, facade.OpOpenSession, []string{user},
		[]func(x *Exchange) error{func(x *Exchange) error { return x.WriteLine(password) }},
		func(_ *Exchange, st *wire.Status) error {
			tok, err := st.Token()
			s = facade.Session(tok)
			return err
		})
	return s, err
}

func (r *Remote) CloseSession(ctx context.Context, s facade.Session) error {
	return r.call(ctx, facade.OpCloseSession, []string{string(s)}, nil, nil)
}

func (r *Remote) check(ctx context.Context, op facade.Op, s facade.Session, member string, target encoding.ObjectData) (bool, error) {
	var ok bool
	err := r.call(ctx, op, []string{string(s), member},
		[]func(x *Exchange) error{identity(target)},
		func(_ *Exchange, st *wire.Status) error {
			v, err := st.Bool()
			ok = v
			return err
		})
	return ok, err
}

func (r *Remote) IsUsable(ctx context.Context, s facade.Session, member string, target encoding.ObjectData) (bool, error) {
	return r.check(ctx, facade.OpIsUsable, s, member, target)
}

func (r *Remote) IsVisible(ctx context.Context, s facade.Session, member string, target encoding.ObjectData) (bool, error) {
	return r.check(ctx, facade.OpIsVisible, s, member, target)
}

func (r *Remote) GetObject(ctx context.Context, s facade.Session, typ string, oid encoding.Oid) (encoding.ObjectData, error) {
	var out encoding.ObjectData
	err := r.call(ctx, facade.OpGetObject, []string{string(s), typ},
		[]func(x *Exchange) error{value(encoding.MustValue(string(oid)))},
		func(x *Exchange, _ *wire.Status) error {
			d, err := readIdentityBlock(x)
			out = d
			return err
		})
	return out, err
}

func (r *Remote) ResolveObject(ctx context.Context, s facade.Session, target encoding.ObjectData) (facade.ObjectState, error) {
	var out facade.ObjectState
	err := r.call(ctx, facade.OpResolveObject, []string{string(s)},
		[]func(x *Exchange) error{identity(target)},
		func(x *Exchange, st *wire.Status) error {
			n, err := st.Count()
			if err != nil {
				return err
			}
			obj, err := readIdentityBlock(x)
			if err != nil {
				return err
			}
			out.Object = obj
			out.Fields = []encoding.NamedField{}
			for i := 0; i < n; i++ {
				block, err := x.ReadDataBlock()
				if err != nil {
					return err
				}
				f, err := encoding.ReadNamedField(block)
				if err != nil {
					return err
				}
				if !block.Done() {
					return protocol.Encodingf("field block %q has %d extra lines", f.Name, len(block.Rest()))
				}
				out.Fields = append(out.Fields, f)
			}
			return nil
		})
	return out, err
}

func (r *Remote) ResolveField(ctx context.Context, s facade.Session, target encoding.ObjectData, field string) (facade.FieldState, error) {
	var out facade.FieldState
	err := r.call(ctx, facade.OpResolveField, []string{string(s), field},
		[]func(x *Exchange) error{identity(target)},
		func(x *Exchange, st *wire.Status) error {
			v, err := st.Uint()
			if err != nil {
				return err
			}
			block, err := x.ReadDataBlock()
			if err != nil {
				return err
			}
			f, err := encoding.ReadField(block)
			if err != nil {
				return err
			}
			if !block.Done() {
				return protocol.Encodingf("field block has %d extra lines", len(block.Rest()))
			}
			out = facade.FieldState{Version: encoding.Version(v), Field: f}
			return nil
		})
	return out, err
}

func (r *Remote) FindInstances(ctx context.Context, s facade.Session, q facade.Query) ([]encoding.ObjectData, error) {
	var out []encoding.ObjectData
	criteria := func(x *Exchange) error {
		if q.Criteria == nil {
			return nil
		}
		if err := x.WriteLine(q.Criteria.Field); err != nil {
			return err
		}
		return encoding.WriteValue(x, q.Criteria.Value)
	}
	err := r.call(ctx, facade.OpFindInstances, []string{string(s), q.Type},
		[]func(x *Exchange) error{criteria},
		func(x *Exchange, st *wire.Status) error {
			n, err := st.Count()
			if err != nil {
				return err
			}
			out = []encoding.ObjectData{}
			for i := 0; i < n; i++ {
				d, err := readIdentityBlock(x)
				if err != nil {
					return err
				}
				out = append(out, d)
			}
			return nil
		})
	return out, err
}

func (r *Remote) HasInstances(ctx context.Context, s facade.Session, typ string) (bool, error) {
	var ok bool
	err := r.call(ctx, facade.OpHasInstances, []string{string(s), typ}, nil,
		func(_ *Exchange, st *wire.Status) error {
			v, err := st.Bool()
			ok = v
			return err
		})
	return ok, err
}

func (r *Remote) OidForService(ctx context.Context, s facade.Session, service string) (encoding.ObjectData, error) {
	var out encoding.ObjectData
	err := r.call(ctx, facade.OpOidForService, []string{string(s), service}, nil,
		func(x *Exchange, _ *wire.Status) error {
			d, err := readIdentityBlock(x)
			out = d
			return err
		})
	return out, err
}

func (r *Remote) association(ctx context.Context, op facade.Op, s facade.Session, target encoding.ObjectData, field string, associate encoding.ObjectData) (encoding.Version, error) {
	var v encoding.Version
	err := r.call(ctx, op, []string{string(s), field},
		[]func(x *Exchange) error{identity(target), identity(associate)},
		readVersion(&v))
	return v, err
}

func (r *Remote) SetAssociation(ctx context.Context, s facade.Session, target encoding.ObjectData, field string, associate encoding.ObjectData) (encoding.Version, error) {
	return r.association(ctx, facade.OpSetAssociation, s, target, field, associate)
}

func (r *Remote) ClearAssociation(ctx context.Context, s facade.Session, target encoding.ObjectData, field string, associate encoding.ObjectData) (encoding.Version, error) {
	return r.association(ctx, facade.OpClearAssociation, s, target, field, associate)
}

func (r *Remote) SetValue(ctx context.Context, s facade.Session, target encoding.ObjectData, field string, v encoding.Value) (encoding.Version, error) {
	var out encoding.Version
	err := r.call(ctx, facade.OpSetValue, []string{string(s), field},
		[]func(x *Exchange) error{identity(target), value(v)},
		readVersion(&out))
	return out, err
}

func (r *Remote) ClearValue(ctx context.Context, s facade.Session, target encoding.ObjectData, field string) (encoding.Version, error) {
	var out encoding.Version
	err := r.call(ctx, facade.OpClearValue, []string{string(s), field},
		[]func(x *Exchange) error{identity(target)},
		readVersion(&out))
	return out, err
}

func (r *Remote) ExecuteClientAction(ctx context.Context, s facade.Session, changes []facade.FieldChange) ([]encoding.Version, error) {
	sections := make([]func(x *Exchange) error, 0, len(changes))
	for _, change := range changes {
		change := change
		sections = append(sections, func(x *Exchange) error {
			if err := encoding.WriteIdentity(x, change.Target); err != nil {
				return err
			}
			return encoding.WriteNamedField(x, encoding.NamedField{Name: change.Field, Field: change.Value})
		})
	}
	var out []encoding.Version
	err := r.call(ctx, facade.OpExecuteClientAction, []string{string(s), strconv.Itoa(len(changes))}, sections,
		func(_ *Exchange, st *wire.Status) error {
			out = make([]encoding.Version, 0, len(changes))
			for range changes {
				v, err := st.Uint()
				if err != nil {
					return err
				}
				out = append(out, encoding.Version(v))
			}
			return nil
		})
	return out, err
}

func (r *Remote) ExecuteServerAction(ctx context.Context, s facade.Session, target encoding.ObjectData, action string, params []encoding.Field) (facade.ActionResult, error) {
	var out facade.ActionResult
	err := r.call(ctx, facade.OpExecuteServerAction, []string{string(s), action},
		[]func(x *Exchange) error{
			identity(target),
			func(x *Exchange) error { return encoding.WriteFields(x, params) },
		},
		func(x *Exchange, st *wire.Status) error {
			v, err := st.Uint()
			if err != nil {
				return err
			}
			block, err := x.ReadDataBlock()
			if err != nil {
				return err
			}
			res, err := encoding.ReadField(block)
			if err != nil {
				return err
			}
			if !block.Done() {
				return protocol.Encodingf("result block has %d extra lines", len(block.Rest()))
			}
			out = facade.ActionResult{Version: encoding.Version(v), Result: res}
			return nil
		})
	return out, err
}

func (r *Remote) GetProperties(ctx context.Context, s facade.Session) (map[string]string, error) {
	out := map[string]string{}
	err := r.call(ctx, facade.OpGetProperties, []string{string(s)}, nil,
		func(x *Exchange, st *wire.Status) error {
			n, err := st.Count()
			if err != nil {
				return err
			}
			block, err := x.ReadDataBlock()
			if err != nil {
				return err
			}
			if block.Len() != n {
				return protocol.Encodingf("properties block has %d lines, status announced %d", block.Len(), n)
			}
			for _, line := range block.Rest() {
				k, v, ok := strings.Cut(line, "=")
				if !ok {
					return protocol.Encodingf("malformed property line %q", line)
				}
				out[k] = v
			}
			return nil
		})
	return out, err
}
