package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the objects a Client keeps.
const DefaultCacheSize = 1024

var ErrNotRemote = errors.New("proxy: client needs a remote registry")

// Client resolves proxies for server objects and routes member access
// through a remote Registry. Proxies are cached by identity, so one Oid maps
// to one Object, and its cached version, until evicted.
type Client struct {
	reg   *Registry
	cache *lru.Cache[encoding.Oid, *Object]
}

func NewClient(reg *Registry, cacheSize int) (*Client, error) {
	if reg.Mode() != ModeRemote {
		return nil, ErrNotRemote
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[encoding.Oid, *Object](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("proxy: cache: %w", err)
	}
	return &Client{reg: reg, cache: cache}, nil
}

func (c *Client) Registry() *Registry {
	return c.reg
}

// Cached returns the proxy for oid if it is still cached.
func (c *Client) Cached(oid encoding.Oid) (*Object, bool) {
	return c.cache.Get(oid)
}

// Forget drops oid from the cache.
func (c *Client) Forget(oid encoding.Oid) {
	c.cache.Remove(oid)
}

// adopt returns the cached proxy for d or caches a new field-less one. A
// cached proxy whose version differs from d is marked stale.
func (c *Client) adopt(d encoding.ObjectData) *Object {
	if obj, ok := c.cache.Get(d.Oid); ok {
		obj.observe(d.Version)
		return obj
	}
	obj := NewObject(d, nil)
	c.cache.Add(d.Oid, obj)
	return obj
}

// Object fetches and fully resolves typ/oid unless it is cached.
func (c *Client) Object(ctx context.Context, typ string, oid encoding.Oid) (*Object, error) {
	if obj, ok := c.cache.Get(oid); ok {
		return obj, nil
	}
	d, err := c.reg.facade.GetObject(ctx, c.reg.session, typ, oid)
	if err != nil {
		return nil, err
	}
	obj := c.adopt(d)
	return obj, c.Refresh(ctx, obj)
}

// Service resolves the object registered under a service name.
func (c *Client) Service(ctx context.Context, name string) (*Object, error) {
	d, err := c.reg.facade.OidForService(ctx, c.reg.session, name)
	if err != nil {
		return nil, err
	}
	return c.adopt(d), nil
}

// Find lists instances. Fields of uncached results load lazily.
func (c *Client) Find(ctx context.Context, q facade.Query) ([]*Object, error) {
	found, err := c.reg.facade.FindInstances(ctx, c.reg.session, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Object, len(found))
	for i, d := range found {
		out[i] = c.adopt(d)
	}
	return out, nil
}

// Refresh reloads every field and the version of obj, clearing a stale
// mark.
func (c *Client) Refresh(ctx context.Context, obj *Object) error {
	state, err := c.reg.facade.ResolveObject(ctx, c.reg.session, obj.Data())
	if err != nil {
		return err
	}
	obj.replace(state.Object, state.Fields)
	return nil
}

// Field returns a field, loading it from the server when it is not loaded
// yet. A field loaded at another version than the cached one is not mixed
// into the proxy: obj goes stale and a conflict is returned.
func (c *Client) Field(ctx context.Context, obj *Object, name string) (encoding.Field, error) {
	if f, ok := obj.Field(name); ok {
		return f, nil
	}
	fs, err := c.reg.facade.ResolveField(ctx, c.reg.session, obj.Data(), name)
	if err != nil {
		return encoding.Field{}, err
	}
	obj.observe(fs.Version)
	if err := obj.current(); err != nil {
		return encoding.Field{}, err
	}
	obj.SetField(name, fs.Field)
	return fs.Field, nil
}

func (c *Client) call(ctx context.Context, obj *Object, member string, kind HookKind, call Call) (encoding.Field, error) {
	h, err := c.reg.Hook(obj.Type(), member, kind)
	if err != nil {
		return encoding.Field{}, err
	}
	call.Object = obj
	return h(ctx, call)
}

// SetValue encodes v and sets a value member.
func (c *Client) SetValue(ctx context.Context, obj *Object, member string, v any) error {
	value, err := encoding.EncodeValue(v)
	if err != nil {
		return err
	}
	return c.Assign(ctx, obj, member, value)
}

// Assign sets a value member to an already encoded value.
func (c *Client) Assign(ctx context.Context, obj *Object, member string, value encoding.Value) error {
	_, err := c.call(ctx, obj, member, HookSet, Call{Arg: encoding.ValueField(value)})
	return err
}

// Clear nulls a value or reference member.
func (c *Client) Clear(ctx context.Context, obj *Object, member string) error {
	_, err := c.call(ctx, obj, member, HookClear, Call{})
	return err
}

// Associate points a reference member at other, or adds other to a
// collection member.
func (c *Client) Associate(ctx context.Context, obj *Object, member string, other *Object) error {
	kind := HookSet
	if _, err := c.reg.Hook(obj.Type(), member, HookAdd); err == nil {
		kind = HookAdd
	}
	_, err := c.call(ctx, obj, member, kind, Call{Arg: encoding.RefField(other.Data())})
	return err
}

// Dissociate removes other from a collection member, or clears a reference
// member holding it.
func (c *Client) Dissociate(ctx context.Context, obj *Object, member string, other *Object) error {
	if _, err := c.reg.Hook(obj.Type(), member, HookRemove); err == nil {
		_, err = c.call(ctx, obj, member, HookRemove, Call{Arg: encoding.RefField(other.Data())})
		return err
	}
	current, err := c.Field(ctx, obj, member)
	if err != nil {
		return err
	}
	if current.Kind != encoding.KindReference || current.Ref.Oid != other.Data().Oid {
		return fmt.Errorf("%w: %s does not reference %s", ErrWrongArgument, member, other.Data().Oid)
	}
	return c.Clear(ctx, obj, member)
}

// Invoke runs an action member.
func (c *Client) Invoke(ctx context.Context, obj *Object, action string, params ...encoding.Field) (encoding.Field, error) {
	return c.call(ctx, obj, action, HookInvoke, Call{Params: params})
}
