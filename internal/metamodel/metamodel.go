// Package metamodel describes the members of each object type. The proxy
// builds its hook registry from it and the backend checks mutations
// against it.
package metamodel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownType   = errors.New("metamodel: unknown type")
	ErrUnknownMember = errors.New("metamodel: unknown member")
	ErrInvalidMember = errors.New("metamodel: invalid member")
)

// Kind classifies a member.
type Kind string

const (
	KindValue      Kind = "value"
	KindReference  Kind = "reference"
	KindCollection Kind = "collection"
	KindAction     Kind = "action"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindValue, KindReference, KindCollection, KindAction:
		return k, nil
	}
	return "", fmt.Errorf("%w: kind %q", ErrInvalidMember, s)
}

// Member is one field or action of a type.
type Member struct {
	Name string
	Kind Kind
	// Target is the referenced type of reference and collection members.
	Target string
	// ClientSide marks an action run locally whose field changes are sent
	// as one batch.
	ClientSide bool
}

func (m Member) Field() bool {
	return m.Kind != KindAction
}

// Metamodel answers member lookups.
type Metamodel interface {
	Types() []string
	Members(typ string) ([]Member, error)
	Member(typ, name string) (Member, error)
}

// Static is a Metamodel fixed at construction.
type Static struct {
	types map[string][]Member
	index map[string]map[string]Member
}

var _ Metamodel = (*Static)(nil)

// NewStatic validates defs: member names are unique single words and
// reference members name their target type.
func NewStatic(defs map[string][]Member) (*Static, error) {
	s := &Static{
		types: make(map[string][]Member, len(defs)),
		index: make(map[string]map[string]Member, len(defs)),
	}
	for typ, members := range defs {
		if typ == "" || strings.ContainsAny(typ, " \t\r\n") {
			return nil, fmt.Errorf("%w: type name %q", ErrInvalidMember, typ)
		}
		idx := make(map[string]Member, len(members))
		for _, m := range members {
			if m.Name == "" || strings.ContainsAny(m.Name, " \t\r\n") {
				return nil, fmt.Errorf("%w: %s member name %q", ErrInvalidMember, typ, m.Name)
			}
			if _, dup := idx[m.Name]; dup {
				return nil, fmt.Errorf("%w: %s.%s declared twice", ErrInvalidMember, typ, m.Name)
			}
			if _, err := ParseKind(string(m.Kind)); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", typ, m.Name, err)
			}
			if (m.Kind == KindReference || m.Kind == KindCollection) && m.Target == "" {
				return nil, fmt.Errorf("%w: %s.%s has no target type", ErrInvalidMember, typ, m.Name)
			}
			idx[m.Name] = m
		}
		cp := make([]Member, len(members))
		copy(cp, members)
		s.types[typ] = cp
		s.index[typ] = idx
	}
	return s, nil
}

func (s *Static) Types() []string {
	out := make([]string, 0, len(s.types))
	for typ := range s.types {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

func (s *Static) Members(typ string) ([]Member, error) {
	members, ok := s.types[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	out := make([]Member, len(members))
	copy(out, members)
	return out, nil
}

func (s *Static) Member(typ, name string) (Member, error) {
	idx, ok := s.index[typ]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	m, ok := idx[name]
	if !ok {
		return Member{}, fmt.Errorf("%w: %s.%s", ErrUnknownMember, typ, name)
	}
	return m, nil
}
