// Package proxy routes member access on client-side objects either to the
// local behavior or, in remote mode, through the facade first. The choice is
// made once when the Registry is built from the metamodel.
package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/metamodel"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoHook         = errors.New("proxy: no hook for member")
	ErrNoLocalAction  = errors.New("proxy: action has no local behavior")
	ErrRemoteRequired = errors.New("proxy: remote mode requires a facade and a session")
	ErrWrongArgument  = errors.New("proxy: wrong argument kind")
)

// Mode selects how hooks behave.
type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// HookKind is the kind of member access a hook serves.
type HookKind int

const (
	HookSet HookKind = iota
	HookClear
	HookAdd
	HookRemove
	HookInvoke
)

func (k HookKind) String() string {
	switch k {
	case HookSet:
		return "set"
	case HookClear:
		return "clear"
	case HookAdd:
		return "add"
	case HookRemove:
		return "remove"
	case HookInvoke:
		return "invoke"
	}
	return fmt.Sprintf("hook(%d)", int(k))
}

// Call carries the arguments of one member access.
type Call struct {
	Object *Object
	// Arg is the new value for set, the associate for add and remove.
	Arg    encoding.Field
	Params []encoding.Field
}

// Hook performs one member access and returns the declared result.
type Hook func(ctx context.Context, call Call) (encoding.Field, error)

// LocalAction is the in-process body of an action. It edits obj with
// SetField.
type LocalAction func(ctx context.Context, obj *Object, params []encoding.Field) (encoding.Field, error)

// Descriptor identifies one registered hook.
type Descriptor struct {
	Type   string
	Member metamodel.Member
	Kind   HookKind
}

type hookKey struct {
	typ    string
	member string
	kind   HookKind
}

type actionKey struct {
	typ  string
	name string
}

// Option configures a Registry.
type Option func(*Registry)

// WithRemote supplies the facade and session used by remote hooks.
func WithRemote(f facade.Facade, s facade.Session) Option {
	return func(r *Registry) {
		r.facade = f
		r.session = s
	}
}

// WithLocalAction registers the body of an action. Client-side actions need
// one in either mode; server-side actions only use it in local mode.
func WithLocalAction(typ, name string, fn LocalAction) Option {
	return func(r *Registry) { r.local[actionKey{typ: typ, name: name}] = fn }
}

// Registry maps every member of every type to its hooks.
type Registry struct {
	mode    Mode
	facade  facade.Facade
	session facade.Session
	local   map[actionKey]LocalAction

	hooks       map[hookKey]Hook
	descriptors []Descriptor
}

// NewRegistry builds the hooks of every member declared by model.
func NewRegistry(model metamodel.Metamodel, mode Mode, opts ...Option) (*Registry, error) {
	r := &Registry{
		mode:  mode,
		local: make(map[actionKey]LocalAction),
		hooks: make(map[hookKey]Hook),
	}
	for _, opt := range opts {
		opt(r)
	}
	if mode == ModeRemote && (r.facade == nil || r.session == "") {
		return nil, ErrRemoteRequired
	}
	for _, typ := range model.Types() {
		members, err := model.Members(typ)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if err := r.register(typ, m); err != nil {
				return nil, err
			}
		}
	}
	log.Debug().Str("mode", mode.String()).Int("hooks", len(r.hooks)).Msg("proxy registry built")
	return r, nil
}

func (r *Registry) Mode() Mode {
	return r.mode
}

// Descriptors lists the registered hooks in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Hook returns the hook serving kind access to member of typ.
func (r *Registry) Hook(typ, member string, kind HookKind) (Hook, error) {
	h, ok := r.hooks[hookKey{typ: typ, member: member, kind: kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s.%s", ErrNoHook, kind, typ, member)
	}
	return h, nil
}

func (r *Registry) add(typ string, m metamodel.Member, kind HookKind, local, remote Hook) {
	h := local
	if r.mode == ModeRemote {
		h = fresh(remote)
	}
	r.hooks[hookKey{typ: typ, member: m.Name, kind: kind}] = h
	r.descriptors = append(r.descriptors, Descriptor{Type: typ, Member: m, Kind: kind})
}

func (r *Registry) register(typ string, m metamodel.Member) error {
	switch m.Kind {
	case metamodel.KindValue:
		set, unset := localSet(m.Name, encoding.KindValue), localClear(m.Name)
		r.add(typ, m, HookSet, set, r.remoteSetValue(m.Name, set))
		r.add(typ, m, HookClear, unset, r.remoteClearValue(m.Name, unset))
	case metamodel.KindReference:
		set, unset := localSet(m.Name, encoding.KindReference), localClear(m.Name)
		r.add(typ, m, HookSet, set, r.remoteAssociate(m.Name, facade.OpSetAssociation, set))
		r.add(typ, m, HookClear, unset, r.remoteClearReference(m.Name, unset))
	case metamodel.KindCollection:
		add, remove := localAdd(m.Name), localRemove(m.Name)
		r.add(typ, m, HookAdd, add, r.remoteAssociate(m.Name, facade.OpSetAssociation, add))
		r.add(typ, m, HookRemove, remove, r.remoteAssociate(m.Name, facade.OpClearAssociation, remove))
	case metamodel.KindAction:
		body, ok := r.local[actionKey{typ: typ, name: m.Name}]
		if m.ClientSide && !ok {
			return fmt.Errorf("%w: %s.%s", ErrNoLocalAction, typ, m.Name)
		}
		local := localInvoke(typ, m.Name, body)
		remote := r.remoteServerAction(m.Name)
		if m.ClientSide {
			remote = r.remoteClientAction(body)
		}
		r.add(typ, m, HookInvoke, local, remote)
	}
	return nil
}

func localSet(member string, want encoding.FieldKind) Hook {
	return func(_ context.Context, c Call) (encoding.Field, error) {
		if c.Arg.Kind != want {
			return encoding.Field{}, fmt.Errorf("%w: %s wants %s, got %s", ErrWrongArgument, member, want, c.Arg.Kind)
		}
		c.Object.SetField(member, c.Arg)
		return encoding.NullField(), nil
	}
}

func localClear(member string) Hook {
	return func(_ context.Context, c Call) (encoding.Field, error) {
		c.Object.SetField(member, encoding.NullField())
		return encoding.NullField(), nil
	}
}

func localAdd(member string) Hook {
	return func(_ context.Context, c Call) (encoding.Field, error) {
		if c.Arg.Kind != encoding.KindReference {
			return encoding.Field{}, fmt.Errorf("%w: %s adds references, got %s", ErrWrongArgument, member, c.Arg.Kind)
		}
		current, _ := c.Object.Field(member)
		c.Object.SetField(member, encoding.CollectionField(append(current.Items, c.Arg.Ref)))
		return encoding.NullField(), nil
	}
}

func localRemove(member string) Hook {
	return func(_ context.Context, c Call) (encoding.Field, error) {
		if c.Arg.Kind != encoding.KindReference {
			return encoding.Field{}, fmt.Errorf("%w: %s removes references, got %s", ErrWrongArgument, member, c.Arg.Kind)
		}
		current, _ := c.Object.Field(member)
		kept := make([]encoding.ObjectData, 0, len(current.Items))
		for _, item := range current.Items {
			if item.Oid != c.Arg.Ref.Oid {
				kept = append(kept, item)
			}
		}
		c.Object.SetField(member, encoding.CollectionField(kept))
		return encoding.NullField(), nil
	}
}

func localInvoke(typ, name string, body LocalAction) Hook {
	return func(ctx context.Context, c Call) (encoding.Field, error) {
		if body == nil {
			return encoding.Field{}, fmt.Errorf("%w: %s.%s", ErrNoLocalAction, typ, name)
		}
		return body(ctx, c.Object, c.Params)
	}
}

// fresh refuses to run a remote hook on a stale object.
func fresh(h Hook) Hook {
	return func(ctx context.Context, c Call) (encoding.Field, error) {
		if err := c.Object.current(); err != nil {
			return encoding.Field{}, err
		}
		return h(ctx, c)
	}
}

// The remote decorators below send the cached version. On success the new
// version is applied first, then the local behavior runs. A failure, a
// conflict included, is returned unchanged with the cache untouched.

func (r *Registry) remoteSetValue(member string, local Hook) Hook {
	return func(ctx context.Context, c Call) (encoding.Field, error) {
		if c.Arg.Kind != encoding.KindValue {
			return encoding.Field{}, fmt.Errorf("%w: %s wants value, got %s", ErrWrongArgument, member, c.Arg.Kind)
		}
		v, err := r.facade.SetValue(ctx, r.session, c.Object.Data(), member, c.Arg.Value)
		if err != nil {
			return encoding.Field{}, err
		}
		c.Object.setVersion(v)
		return local(ctx, c)
	}
}

func (r *Registry) remoteClearValue(member string, local Hook) Hook {
	return func(ctx context.Context, c Call) (encoding.Field, error) {
		v, err := r.facade.ClearValue(ctx, r.session, c.Object.Data(), member)
		if err != nil {
			return encoding.Field{}, err
		}
		c.Object.setVersion(v)
		return local(ctx, c)
	}
}

func (r *Registry) remoteAssociate(member string, op facade.Op, local Hook) Hook {
	return func(ctx context.Context, c Call) (encoding.Field, error) {
		if c.Arg.Kind != encoding.KindReference {
			return encoding.Field{}, fmt.Errorf("%w: %s wants reference, got %s", ErrWrongArgument, member, c.Arg.Kind)
		}
		call := r.facade.SetAssociation
		if op == facade.OpClearAssociation {
			call = r.facade.ClearAssociation
		}
		v, err := call(ctx, r.session, c.Object.Data(), member, c.Arg.Ref)
		if err != nil {
			return encoding.Field{}, err
		}
		c.Object.setVersion(v)
		return local(ctx, c)
	}
}

// remoteClearReference clears a reference field through the association
// it currently holds.
func (r *Registry) remoteClearReference(member string, local Hook) Hook {
	return func(ctx context.Context, c Call) (encoding.Field, error) {
		current, ok := c.Object.Field(member)
		if !ok {
			fs, err := r.facade.ResolveField(ctx, r.session, c.Object.Data(), member)
			if err != nil {
				return encoding.Field{}, err
			}
			c.Object.observe(fs.Version)
			if err := c.Object.current(); err != nil {
				return encoding.Field{}, err
			}
			current = fs.Field
		}
		if current.Kind != encoding.KindReference {
			return local(ctx, c)
		}
		v, err := r.facade.ClearAssociation(ctx, r.session, c.Object.Data(), member, current.Ref)
		if err != nil {
			return encoding.Field{}, err
		}
		c.Object.setVersion(v)
		return local(ctx, c)
	}
}

// remoteClientAction runs body on a detached copy, ships the changed fields
// as one batch and commits the copy once the server accepts it.
func (r *Registry) remoteClientAction(body LocalAction) Hook {
	return func(ctx context.Context, c Call) (encoding.Field, error) {
		scratch := c.Object.detached()
		res, err := body(ctx, scratch, c.Params)
		if err != nil {
			return encoding.Field{}, err
		}
		changed := c.Object.diff(scratch)
		if len(changed) == 0 {
			return res, nil
		}
		target := c.Object.Data()
		changes := make([]facade.FieldChange, len(changed))
		for i, f := range changed {
			changes[i] = facade.FieldChange{Target: target, Field: f.Name, Value: f.Field}
		}
		versions, err := r.facade.ExecuteClientAction(ctx, r.session, changes)
		if err != nil {
			return encoding.Field{}, err
		}
		for _, f := range changed {
			c.Object.SetField(f.Name, f.Field)
		}
		c.Object.setVersion(versions[len(versions)-1])
		return res, nil
	}
}

// remoteServerAction runs the action on the server and reloads the object,
// since the server may have changed any of its fields.
func (r *Registry) remoteServerAction(name string) Hook {
	return func(ctx context.Context, c Call) (encoding.Field, error) {
		res, err := r.facade.ExecuteServerAction(ctx, r.session, c.Object.Data(), name, c.Params)
		if err != nil {
			return encoding.Field{}, err
		}
		c.Object.setVersion(res.Version)
		state, err := r.facade.ResolveObject(ctx, r.session, c.Object.Data())
		if err != nil {
			return res.Result, err
		}
		c.Object.replace(state.Object, state.Fields)
		return res.Result, nil
	}
}
