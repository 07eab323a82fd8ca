package proxy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/remoteobj/internal/protocol"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
)

// Object is the client-side copy of one server object: its identity, the
// last version the client observed, and whichever fields were loaded.
//
// An Object goes stale when the server reports a version other than the
// cached one. A stale Object refuses mutations with a conflict until it is
// refreshed; the cached version is never corrected silently.
type Object struct {
	mu     sync.RWMutex
	data   encoding.ObjectData
	fields map[string]encoding.Field

	stale bool
	seen  encoding.Version
}

// NewObject builds a proxy around d with the given loaded fields.
func NewObject(d encoding.ObjectData, fields map[string]encoding.Field) *Object {
	o := &Object{data: d, fields: make(map[string]encoding.Field, len(fields))}
	for name, f := range fields {
		o.fields[name] = copyField(f)
	}
	return o
}

// Data returns the identity at the cached version.
func (o *Object) Data() encoding.ObjectData {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.data
}

func (o *Object) Type() string {
	return o.Data().Type
}

func (o *Object) Version() encoding.Version {
	return o.Data().Version
}

// Field returns a loaded field.
func (o *Object) Field(name string) (encoding.Field, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	f, ok := o.fields[name]
	if !ok {
		return encoding.Field{}, false
	}
	return copyField(f), true
}

// Value decodes a loaded value field. A null or missing field yields nil.
func (o *Object) Value(name string) (any, error) {
	f, ok := o.Field(name)
	if !ok || f.Kind != encoding.KindValue {
		return nil, nil
	}
	return encoding.DecodeValue(f.Value)
}

// SetField edits the local copy only. Local actions use it; remote
// updates go through the registry hooks.
func (o *Object) SetField(name string, f encoding.Field) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fields[name] = copyField(f)
}

// FieldNames lists the loaded fields in name order.
func (o *Object) FieldNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.fields))
	for name := range o.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stale reports the server version that disagreed with the cached one.
func (o *Object) Stale() (encoding.Version, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.seen, o.stale
}

// observe compares a version decoded from the server with the cached one.
func (o *Object) observe(v encoding.Version) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v != o.data.Version {
		o.stale, o.seen = true, v
	}
}

// current returns a conflict while the object is stale.
func (o *Object) current() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.stale {
		return nil
	}
	return &protocol.ConflictError{Detail: fmt.Sprintf("expected %d, got %d", o.seen, o.data.Version)}
}

func (o *Object) setVersion(v encoding.Version) {
	o.mu.Lock()
	o.data.Version = v
	o.stale = false
	o.mu.Unlock()
}

// replace installs a freshly resolved state.
func (o *Object) replace(d encoding.ObjectData, fields []encoding.NamedField) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = d
	o.stale = false
	o.fields = make(map[string]encoding.Field, len(fields))
	for _, f := range fields {
		o.fields[f.Name] = copyField(f.Field)
	}
}

// detached copies the object for a local action run whose effects are
// only committed once the server accepts them.
func (o *Object) detached() *Object {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return NewObject(o.data, o.fields)
}

// diff lists fields of next that differ from o, in name order.
func (o *Object) diff(next *Object) []encoding.NamedField {
	o.mu.RLock()
	defer o.mu.RUnlock()
	next.mu.RLock()
	defer next.mu.RUnlock()
	var out []encoding.NamedField
	for name, f := range next.fields {
		if old, ok := o.fields[name]; !ok || !equalField(old, f) {
			out = append(out, encoding.NamedField{Name: name, Field: copyField(f)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyField(f encoding.Field) encoding.Field {
	if f.Kind == encoding.KindCollection {
		return encoding.CollectionField(f.Items)
	}
	return f
}

func equalField(a, b encoding.Field) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case encoding.KindValue:
		return a.Value == b.Value
	case encoding.KindReference:
		return a.Ref.Type == b.Ref.Type && a.Ref.Oid == b.Ref.Oid
	case encoding.KindCollection:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if a.Items[i].Type != b.Items[i].Type || a.Items[i].Oid != b.Items[i].Oid {
				return false
			}
		}
	}
	return true
}
