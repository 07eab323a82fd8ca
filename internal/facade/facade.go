// Package facade defines the closed catalog of remote object operations.
//
// Ownership boundary:
// - the Facade contract shared by the remote client and the in-process server
// - command characters and per-operation request layout (catalog.go)
// - server-side request decoding and response encoding (dispatch.go)
package facade

import (
	"context"

	"github.com/danmuck/remoteobj/internal/protocol/encoding"
)

// Session is the opaque token handed out by OpenSession.
type Session string

// Criteria narrows FindInstances to objects whose field has the given value.
type Criteria struct {
	Field string
	Value encoding.Value
}

// Query selects instances of one type, optionally filtered by Criteria.
type Query struct {
	Type     string
	Criteria *Criteria
}

// ObjectState is the full state of one object as resolved from the server.
type ObjectState struct {
	Object encoding.ObjectData
	Fields []encoding.NamedField
}

// Field returns the named field, if present.
func (s ObjectState) Field(name string) (encoding.Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Field, true
		}
	}
	return encoding.Field{}, false
}

// FieldState is one lazily loaded field plus the version it was read at.
type FieldState struct {
	Version encoding.Version
	Field   encoding.Field
}

// FieldChange is one field update computed locally by a client-side action.
type FieldChange struct {
	Target encoding.ObjectData
	Field  string
	Value  encoding.Field
}

// ActionResult is the outcome of a server-side action.
type ActionResult struct {
	Version encoding.Version
	Result  encoding.Field
}

// Facade is implemented by the remote client proxy and by the in-process
// server backend. Every mutation returns the new version of its target.
type Facade interface {
	OpenSession(ctx context.Context, user, password string) (Session, error)
	CloseSession(ctx context.Context, s Session) error

	IsUsable(ctx context.Context, s Session, member string, target encoding.ObjectData) (bool, error)
	IsVisible(ctx context.Context, s Session, member string, target encoding.ObjectData) (bool, error)

	GetObject(ctx context.Context, s Session, typ string, oid encoding.Oid) (encoding.ObjectData, error)
	ResolveObject(ctx context.Context, s Session, target encoding.ObjectData) (ObjectState, error)
	ResolveField(ctx context.Context, s Session, target encoding.ObjectData, field string) (FieldState, error)
	FindInstances(ctx context.Context, s Session, q Query) ([]encoding.ObjectData, error)
	HasInstances(ctx context.Context, s Session, typ string) (bool, error)
	OidForService(ctx context.Context, s Session, service string) (encoding.ObjectData, error)

	SetAssociation(ctx context.Context, s Session, target encoding.ObjectData, field string, associate encoding.ObjectData) (encoding.Version, error)
	ClearAssociation(ctx context.Context, s Session, target encoding.ObjectData, field string, associate encoding.ObjectData) (encoding.Version, error)
	SetValue(ctx context.Context, s Session, target encoding.ObjectData, field string, value encoding.Value) (encoding.Version, error)
	ClearValue(ctx context.Context, s Session, target encoding.ObjectData, field string) (encoding.Version, error)

	ExecuteClientAction(ctx context.Context, s Session, changes []FieldChange) ([]encoding.Version, error)
	ExecuteServerAction(ctx context.Context, s Session, target encoding.ObjectData, action string, params []encoding.Field) (ActionResult, error)

	GetProperties(ctx context.Context, s Session) (map[string]string, error)
}
