// Package objectstore keeps the server-resident objects behind the facade
// backend. Every object carries a version that Update bumps with
// compare-and-swap semantics.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/google/uuid"
)

// InitialVersion is the version of a freshly created object.
const InitialVersion encoding.Version = 1

var (
	ErrNotFound    = errors.New("objectstore: object not found")
	ErrTypeInvalid = errors.New("objectstore: object type required")
	ErrClosed      = errors.New("objectstore: store closed")
)

// StaleVersionError reports an update against a version the store has moved
// past.
type StaleVersionError struct {
	Oid      encoding.Oid
	Expected encoding.Version
	Got      encoding.Version
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("expected %d, got %d", e.Expected, e.Got)
}

// Object is one stored instance.
type Object struct {
	Type    string
	Oid     encoding.Oid
	Version encoding.Version
	Fields  map[string]encoding.Field
}

// Data is the wire reference to the object at its current version.
func (o Object) Data() encoding.ObjectData {
	return encoding.ObjectData{Type: o.Type, Oid: o.Oid, Version: o.Version}
}

// Clone deep-copies the field map so callers never alias stored state.
func (o Object) Clone() Object {
	fields := make(map[string]encoding.Field, len(o.Fields))
	for name, f := range o.Fields {
		if f.Kind == encoding.KindCollection {
			f = encoding.CollectionField(f.Items)
		}
		fields[name] = f
	}
	o.Fields = fields
	return o
}

// MutateFunc edits a copy of the stored object. Returning an error aborts
// the update without bumping the version.
type MutateFunc func(obj *Object) error

// Store persists objects.
type Store interface {
	Create(ctx context.Context, typ string, fields map[string]encoding.Field) (Object, error)
	Load(ctx context.Context, oid encoding.Oid) (Object, error)
	// Update applies mutate when the stored version equals expected, then
	// bumps the version. A mismatch returns *StaleVersionError.
	Update(ctx context.Context, oid encoding.Oid, expected encoding.Version, mutate MutateFunc) (Object, error)
	// Instances lists the objects of typ in creation order.
	Instances(ctx context.Context, typ string) ([]Object, error)
	Close() error
}

// OidFunc assigns identities to new objects.
type OidFunc func(typ string) encoding.Oid

// Option configures a store.
type Option func(*options)

type options struct {
	newOid OidFunc
}

// WithOidFunc overrides identity assignment, mostly for tests.
func WithOidFunc(fn OidFunc) Option {
	return func(o *options) { o.newOid = fn }
}

func buildOptions(opts []Option) options {
	o := options{newOid: func(string) encoding.Oid { return encoding.Oid(uuid.NewString()) }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
