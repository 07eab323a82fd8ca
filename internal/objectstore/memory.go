package objectstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/remoteobj/internal/protocol/encoding"
)

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	opts options

	mu      sync.RWMutex
	objects map[encoding.Oid]Object
	order   []encoding.Oid
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    buildOptions(opts),
		objects: make(map[encoding.Oid]Object),
	}
}

func (s *MemoryStore) Create(_ context.Context, typ string, fields map[string]encoding.Field) (Object, error) {
	if strings.TrimSpace(typ) == "" {
		return Object{}, ErrTypeInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Object{}, ErrClosed
	}
	oid := s.opts.newOid(typ)
	if _, exists := s.objects[oid]; exists {
		return Object{}, fmt.Errorf("objectstore: duplicate oid %q", oid)
	}
	obj := Object{Type: typ, Oid: oid, Version: InitialVersion, Fields: fields}.Clone()
	s.objects[oid] = obj
	s.order = append(s.order, oid)
	return obj.Clone(), nil
}

func (s *MemoryStore) Load(_ context.Context, oid encoding.Oid) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Object{}, ErrClosed
	}
	obj, ok := s.objects[oid]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, oid)
	}
	return obj.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, oid encoding.Oid, expected encoding.Version, mutate MutateFunc) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Object{}, ErrClosed
	}
	current, ok := s.objects[oid]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, oid)
	}
	if current.Version != expected {
		return Object{}, &StaleVersionError{Oid: oid, Expected: current.Version, Got: expected}
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return Object{}, err
	}
	next.Type, next.Oid = current.Type, current.Oid
	next.Version = current.Version + 1
	s.objects[oid] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Instances(_ context.Context, typ string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Object, 0)
	for _, oid := range s.order {
		if obj := s.objects[oid]; obj.Type == typ {
			out = append(out, obj.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
