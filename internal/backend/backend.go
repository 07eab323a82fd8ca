// Package backend is the in-process Facade served by the object daemon. It
// maps every facade operation onto the object store, checking sessions,
// member permissions and object versions on the way.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/remoteobj/internal/auth"
	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/metamodel"
	"github.com/danmuck/remoteobj/internal/objectstore"
	"github.com/danmuck/remoteobj/internal/protocol"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrStoreRequired     = errors.New("backend: object store required")
	ErrUnknownSession    = errors.New("backend: unknown session")
	ErrLoginFailed       = errors.New("backend: login failed")
	ErrTypeMismatch      = errors.New("backend: object type mismatch")
	ErrNotUsable         = errors.New("backend: member not usable")
	ErrNotVisible        = errors.New("backend: member not visible")
	ErrUnknownField      = errors.New("backend: unknown field")
	ErrUnknownService    = errors.New("backend: unknown service")
	ErrUnknownAction     = errors.New("backend: unknown action")
	ErrKindMismatch      = errors.New("backend: field kind mismatch")
	ErrNotAssociated     = errors.New("backend: not associated")
	ErrAlreadyAssociated = errors.New("backend: already associated")
)

// ActionFunc runs a server-side action against a private copy of target.
// Field edits made to target are committed with one version bump.
type ActionFunc func(ctx context.Context, target *objectstore.Object, params []encoding.Field) (encoding.Field, error)

// Config wires the collaborators of a Backend. Only Store is required.
type Config struct {
	Store         objectstore.Store
	Metamodel     metamodel.Metamodel
	Authenticator auth.Authenticator
	Authorizer    auth.Authorizer
	Properties    map[string]string
}

type actionKey struct {
	typ  string
	name string
}

// Backend implements facade.Facade in process.
type Backend struct {
	store      objectstore.Store
	model      metamodel.Metamodel
	authn      auth.Authenticator
	authz      auth.Authorizer
	properties map[string]string

	mu       sync.RWMutex
	sessions map[facade.Session]string
	services map[string]encoding.Oid
	actions  map[actionKey]ActionFunc

	// mutations are serialized so a client action batch is checked and
	// applied without interleaving
	writeMu sync.Mutex
}

var _ facade.Facade = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	b := &Backend{
		store:      cfg.Store,
		model:      cfg.Metamodel,
		authn:      cfg.Authenticator,
		authz:      cfg.Authorizer,
		properties: make(map[string]string, len(cfg.Properties)),
		sessions:   make(map[facade.Session]string),
		services:   make(map[string]encoding.Oid),
		actions:    make(map[actionKey]ActionFunc),
	}
	if b.authn == nil {
		b.authn = auth.AllowAll{}
	}
	if b.authz == nil {
		b.authz = auth.NewRuleAuthorizer(nil)
	}
	for k, v := range cfg.Properties {
		b.properties[k] = v
	}
	return b, nil
}

// RegisterAction binds a server-side action of typ.
func (b *Backend) RegisterAction(typ, name string, fn ActionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[actionKey{typ: typ, name: name}] = fn
}

// Create stores a new object. Fields declared by the metamodel and missing
// from fields start out null, or empty for collections.
func (b *Backend) Create(ctx context.Context, typ string, fields map[string]encoding.Field) (encoding.ObjectData, error) {
	all := make(map[string]encoding.Field, len(fields))
	if b.model != nil {
		if members, err := b.model.Members(typ); err == nil {
			for _, m := range members {
				switch m.Kind {
				case metamodel.KindCollection:
					all[m.Name] = encoding.CollectionField(nil)
				case metamodel.KindValue, metamodel.KindReference:
					all[m.Name] = encoding.NullField()
				}
			}
		}
	}
	for name, f := range fields {
		all[name] = f
	}
	obj, err := b.store.Create(ctx, typ, all)
	if err != nil {
		return encoding.ObjectData{}, err
	}
	return obj.Data(), nil
}

// BindService names oid as the object answering OidForService(name).
func (b *Backend) BindService(name string, oid encoding.Oid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services[name] = oid
}

// EnsureService binds name to the first instance of typ, creating one when
// the store has none.
func (b *Backend) EnsureService(ctx context.Context, name, typ string) (encoding.ObjectData, error) {
	found, err := b.store.Instances(ctx, typ)
	if err != nil {
		return encoding.ObjectData{}, err
	}
	var d encoding.ObjectData
	if len(found) > 0 {
		d = found[0].Data()
	} else if d, err = b.Create(ctx, typ, nil); err != nil {
		return encoding.ObjectData{}, err
	}
	b.BindService(name, d.Oid)
	log.Info().Str("service", name).Str("object", d.String()).Msg("service bound")
	return d, nil
}

// Sessions reports the number of open sessions.
func (b *Backend) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func (b *Backend) Close() error {
	return b.store.Close()
}

func (b *Backend) user(s facade.Session) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	user, ok := b.sessions[s]
	if !ok {
		return "", ErrUnknownSession
	}
	return user, nil
}

// load fetches target and checks it is of the declared type.
func (b *Backend) load(ctx context.Context, target encoding.ObjectData) (objectstore.Object, error) {
	obj, err := b.store.Load(ctx, target.Oid)
	if err != nil {
		return objectstore.Object{}, err
	}
	if obj.Type != target.Type {
		return objectstore.Object{}, fmt.Errorf("%w: %s is a %s", ErrTypeMismatch, target, obj.Type)
	}
	return obj, nil
}

func (b *Backend) require(user, typ, member string, access auth.Access) error {
	if b.authz.Allowed(user, typ, member, access) {
		return nil
	}
	if access == auth.AccessUse {
		return fmt.Errorf("%w: %s.%s", ErrNotUsable, typ, member)
	}
	return fmt.Errorf("%w: %s.%s", ErrNotVisible, typ, member)
}

// memberKind reports the declared kind of a field, or ok=false when the
// type is not described by the metamodel.
func (b *Backend) memberKind(typ, name string) (metamodel.Kind, bool, error) {
	if b.model == nil {
		return "", false, nil
	}
	m, err := b.model.Member(typ, name)
	if errors.Is(err, metamodel.ErrUnknownType) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnknownField, err)
	}
	return m.Kind, true, nil
}

func (b *Backend) checkFieldKind(typ, name string, allowed ...metamodel.Kind) error {
	kind, known, err := b.memberKind(typ, name)
	if err != nil || !known {
		return err
	}
	for _, k := range allowed {
		if kind == k {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s is a %s member", ErrKindMismatch, typ, name, kind)
}

// conflict turns a stale version into the protocol conflict answered with
// a `concurrency` status.
func conflict(err error) error {
	var stale *objectstore.StaleVersionError
	if errors.As(err, &stale) {
		return protocol.Conflictf("%s", stale.Error())
	}
	return err
}

func (b *Backend) OpenSession(_ context.Context, user, password string) (facade.Session, error) {
	if err := b.authn.Authenticate(user, password); err != nil {
		log.Warn().Str("user", user).Err(err).Msg("session refused")
		return "", fmt.Errorf("%w for %q", ErrLoginFailed, user)
	}
	s := facade.Session(uuid.NewString())
	b.mu.Lock()
	b.sessions[s] = user
	b.mu.Unlock()
	log.Info().Str("user", user).Msg("session opened")
	return s, nil
}

func (b *Backend) CloseSession(_ context.Context, s facade.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.sessions[s]
	if !ok {
		return ErrUnknownSession
	}
	delete(b.sessions, s)
	log.Info().Str("user", user).Msg("session closed")
	return nil
}

func (b *Backend) IsUsable(ctx context.Context, s facade.Session, member string, target encoding.ObjectData) (bool, error) {
	return b.allowed(ctx, s, member, target, auth.AccessUse)
}

func (b *Backend) IsVisible(ctx context.Context, s facade.Session, member string, target encoding.ObjectData) (bool, error) {
	return b.allowed(ctx, s, member, target, auth.AccessView)
}

func (b *Backend) allowed(ctx context.Context, s facade.Session, member string, target encoding.ObjectData, access auth.Access) (bool, error) {
	user, err := b.user(s)
	if err != nil {
		return false, err
	}
	if _, err := b.load(ctx, target); err != nil {
		return false, err
	}
	return b.authz.Allowed(user, target.Type, member, access), nil
}

func (b *Backend) GetObject(ctx context.Context, s facade.Session, typ string, oid encoding.Oid) (encoding.ObjectData, error) {
	if _, err := b.user(s); err != nil {
		return encoding.ObjectData{}, err
	}
	obj, err := b.load(ctx, encoding.ObjectData{Type: typ, Oid: oid})
	if err != nil {
		return encoding.ObjectData{}, err
	}
	return obj.Data(), nil
}

func (b *Backend) ResolveObject(ctx context.Context, s facade.Session, target encoding.ObjectData) (facade.ObjectState, error) {
	user, err := b.user(s)
	if err != nil {
		return facade.ObjectState{}, err
	}
	obj, err := b.load(ctx, target)
	if err != nil {
		return facade.ObjectState{}, err
	}
	names := make([]string, 0, len(obj.Fields))
	for name := range obj.Fields {
		if b.authz.Allowed(user, obj.Type, name, auth.AccessView) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	state := facade.ObjectState{Object: obj.Data(), Fields: make([]encoding.NamedField, 0, len(names))}
	for _, name := range names {
		state.Fields = append(state.Fields, encoding.NamedField{Name: name, Field: obj.Fields[name]})
	}
	return state, nil
}

func (b *Backend) ResolveField(ctx context.Context, s facade.Session, target encoding.ObjectData, field string) (facade.FieldState, error) {
	user, err := b.user(s)
	if err != nil {
		return facade.FieldState{}, err
	}
	obj, err := b.load(ctx, target)
	if err != nil {
		return facade.FieldState{}, err
	}
	if err := b.require(user, obj.Type, field, auth.AccessView); err != nil {
		return facade.FieldState{}, err
	}
	f, ok := obj.Fields[field]
	if !ok {
		kind, known, err := b.memberKind(obj.Type, field)
		if err != nil {
			return facade.FieldState{}, err
		}
		switch {
		case !known || kind == metamodel.KindAction:
			return facade.FieldState{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, obj.Type, field)
		case kind == metamodel.KindCollection:
			f = encoding.CollectionField(nil)
		default:
			f = encoding.NullField()
		}
	}
	return facade.FieldState{Version: obj.Version, Field: f}, nil
}

func (b *Backend) FindInstances(ctx context.Context, s facade.Session, q facade.Query) ([]encoding.ObjectData, error) {
	if _, err := b.user(s); err != nil {
		return nil, err
	}
	found, err := b.store.Instances(ctx, q.Type)
	if err != nil {
		return nil, err
	}
	out := make([]encoding.ObjectData, 0, len(found))
	for _, obj := range found {
		if q.Criteria != nil {
			f, ok := obj.Fields[q.Criteria.Field]
			if !ok || f.Kind != encoding.KindValue || f.Value != q.Criteria.Value {
				continue
			}
		}
		out = append(out, obj.Data())
	}
	return out, nil
}

func (b *Backend) HasInstances(ctx context.Context, s facade.Session, typ string) (bool, error) {
	if _, err := b.user(s); err != nil {
		return false, err
	}
	found, err := b.store.Instances(ctx, typ)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

func (b *Backend) OidForService(ctx context.Context, s facade.Session, service string) (encoding.ObjectData, error) {
	if _, err := b.user(s); err != nil {
		return encoding.ObjectData{}, err
	}
	b.mu.RLock()
	oid, ok := b.services[service]
	b.mu.RUnlock()
	if !ok {
		return encoding.ObjectData{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	obj, err := b.store.Load(ctx, oid)
	if err != nil {
		return encoding.ObjectData{}, err
	}
	return obj.Data(), nil
}

// mutate runs one versioned field update on behalf of the session's user.
func (b *Backend) mutate(ctx context.Context, s facade.Session, target encoding.ObjectData, member string, fn objectstore.MutateFunc) (encoding.Version, error) {
	user, err := b.user(s)
	if err != nil {
		return 0, err
	}
	if err := b.require(user, target.Type, member, auth.AccessUse); err != nil {
		return 0, err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.load(ctx, target); err != nil {
		return 0, err
	}
	obj, err := b.store.Update(ctx, target.Oid, target.Version, fn)
	if err != nil {
		return 0, conflict(err)
	}
	log.Debug().Str("object", obj.Data().String()).Str("member", member).Msg("object updated")
	return obj.Version, nil
}

func (b *Backend) SetAssociation(ctx context.Context, s facade.Session, target encoding.ObjectData, field string, associate encoding.ObjectData) (encoding.Version, error) {
	if err := b.checkFieldKind(target.Type, field, metamodel.KindReference, metamodel.KindCollection); err != nil {
		return 0, err
	}
	assoc, err := b.load(ctx, associate)
	if err != nil {
		return 0, err
	}
	ref := assoc.Data()
	return b.mutate(ctx, s, target, field, func(obj *objectstore.Object) error {
		current := obj.Fields[field]
		if b.isCollection(obj.Type, field, current) {
			for _, item := range current.Items {
				if item.Oid == ref.Oid {
					return fmt.Errorf("%w: %s already holds %s", ErrAlreadyAssociated, field, ref.Oid)
				}
			}
			obj.Fields[field] = encoding.CollectionField(append(current.Items, ref))
			return nil
		}
		obj.Fields[field] = encoding.RefField(ref)
		return nil
	})
}

func (b *Backend) ClearAssociation(ctx context.Context, s facade.Session, target encoding.ObjectData, field string, associate encoding.ObjectData) (encoding.Version, error) {
	if err := b.checkFieldKind(target.Type, field, metamodel.KindReference, metamodel.KindCollection); err != nil {
		return 0, err
	}
	return b.mutate(ctx, s, target, field, func(obj *objectstore.Object) error {
		current := obj.Fields[field]
		if b.isCollection(obj.Type, field, current) {
			kept := make([]encoding.ObjectData, 0, len(current.Items))
			for _, item := range current.Items {
				if item.Oid != associate.Oid {
					kept = append(kept, item)
				}
			}
			if len(kept) == len(current.Items) {
				return fmt.Errorf("%w: %s does not hold %s", ErrNotAssociated, field, associate.Oid)
			}
			obj.Fields[field] = encoding.CollectionField(kept)
			return nil
		}
		if current.Kind != encoding.KindReference || current.Ref.Oid != associate.Oid {
			return fmt.Errorf("%w: %s does not reference %s", ErrNotAssociated, field, associate.Oid)
		}
		obj.Fields[field] = encoding.NullField()
		return nil
	})
}

func (b *Backend) isCollection(typ, field string, current encoding.Field) bool {
	if kind, known, _ := b.memberKind(typ, field); known {
		return kind == metamodel.KindCollection
	}
	return current.Kind == encoding.KindCollection
}

func (b *Backend) SetValue(ctx context.Context, s facade.Session, target encoding.ObjectData, field string, v encoding.Value) (encoding.Version, error) {
	if err := b.checkFieldKind(target.Type, field, metamodel.KindValue); err != nil {
		return 0, err
	}
	if _, err := encoding.DecodeValue(v); err != nil {
		return 0, err
	}
	return b.mutate(ctx, s, target, field, func(obj *objectstore.Object) error {
		obj.Fields[field] = encoding.ValueField(v)
		return nil
	})
}

func (b *Backend) ClearValue(ctx context.Context, s facade.Session, target encoding.ObjectData, field string) (encoding.Version, error) {
	if err := b.checkFieldKind(target.Type, field, metamodel.KindValue); err != nil {
		return 0, err
	}
	return b.mutate(ctx, s, target, field, func(obj *objectstore.Object) error {
		obj.Fields[field] = encoding.NullField()
		return nil
	})
}

// ExecuteClientAction applies a batch of field changes computed by a
// client-side action. Every target version is checked before anything is
// written; several changes to one object chain through its versions.
func (b *Backend) ExecuteClientAction(ctx context.Context, s facade.Session, changes []facade.FieldChange) ([]encoding.Version, error) {
	user, err := b.user(s)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		if err := b.require(user, c.Target.Type, c.Field, auth.AccessUse); err != nil {
			return nil, err
		}
		if err := b.checkChangeKind(c); err != nil {
			return nil, err
		}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	current := make(map[encoding.Oid]encoding.Version, len(changes))
	for _, c := range changes {
		if _, seen := current[c.Target.Oid]; seen {
			continue
		}
		obj, err := b.load(ctx, c.Target)
		if err != nil {
			return nil, err
		}
		if obj.Version != c.Target.Version {
			return nil, conflict(&objectstore.StaleVersionError{Oid: obj.Oid, Expected: obj.Version, Got: c.Target.Version})
		}
		current[c.Target.Oid] = obj.Version
	}

	versions := make([]encoding.Version, 0, len(changes))
	for _, c := range changes {
		change := c
		obj, err := b.store.Update(ctx, change.Target.Oid, current[change.Target.Oid], func(obj *objectstore.Object) error {
			obj.Fields[change.Field] = change.Value
			return nil
		})
		if err != nil {
			return nil, conflict(err)
		}
		current[change.Target.Oid] = obj.Version
		versions = append(versions, obj.Version)
	}
	log.Debug().Int("changes", len(changes)).Str("user", user).Msg("client action applied")
	return versions, nil
}

func (b *Backend) checkChangeKind(c facade.FieldChange) error {
	switch c.Value.Kind {
	case encoding.KindValue:
		if _, err := encoding.DecodeValue(c.Value.Value); err != nil {
			return err
		}
		return b.checkFieldKind(c.Target.Type, c.Field, metamodel.KindValue)
	case encoding.KindReference:
		return b.checkFieldKind(c.Target.Type, c.Field, metamodel.KindReference)
	case encoding.KindCollection:
		return b.checkFieldKind(c.Target.Type, c.Field, metamodel.KindCollection)
	default:
		return b.checkFieldKind(c.Target.Type, c.Field, metamodel.KindValue, metamodel.KindReference)
	}
}

func (b *Backend) ExecuteServerAction(ctx context.Context, s facade.Session, target encoding.ObjectData, action string, params []encoding.Field) (facade.ActionResult, error) {
	b.mu.RLock()
	fn, ok := b.actions[actionKey{typ: target.Type, name: action}]
	b.mu.RUnlock()
	if !ok {
		if _, err := b.user(s); err != nil {
			return facade.ActionResult{}, err
		}
		return facade.ActionResult{}, fmt.Errorf("%w: %s.%s", ErrUnknownAction, target.Type, action)
	}
	var result encoding.Field
	v, err := b.mutate(ctx, s, target, action, func(obj *objectstore.Object) error {
		res, err := fn(ctx, obj, params)
		if err != nil {
			return err
		}
		if res.Kind == 0 {
			res = encoding.NullField()
		}
		result = res
		return nil
	})
	if err != nil {
		return facade.ActionResult{}, err
	}
	return facade.ActionResult{Version: v, Result: result}, nil
}

func (b *Backend) GetProperties(_ context.Context, s facade.Session) (map[string]string, error) {
	if _, err := b.user(s); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(b.properties))
	for k, v := range b.properties {
		out[k] = v
	}
	return out, nil
}
