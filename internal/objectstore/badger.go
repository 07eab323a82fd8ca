package objectstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	badger "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"
)

// Key layout:
//
//	o/<oid>                 -> JSON record
//	t/<type>\x00<seq:8 BE>  -> oid
//	m/seq                   -> last assigned creation sequence
const (
	objectPrefix = "o/"
	typePrefix   = "t/"
	seqKey       = "m/seq"
)

type record struct {
	Type    string                    `json:"type"`
	Version uint64                    `json:"version"`
	Fields  map[string]encoding.Field `json:"fields"`
}

// BadgerStore persists objects in a badger database.
type BadgerStore struct {
	db   *badger.DB
	opts options

	// writes are serialized so version checks never race a commit
	writeMu sync.Mutex
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens the database at dir. An empty dir opens an in-memory
// database.
func OpenBadger(dir string, opts ...Option) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open badger %q: %w", dir, err)
	}
	log.Info().Str("dir", dir).Bool("in_memory", dir == "").Msg("object store opened")
	return &BadgerStore{db: db, opts: buildOptions(opts)}, nil
}

func objectKey(oid encoding.Oid) []byte {
	return []byte(objectPrefix + string(oid))
}

func typeIndexPrefix(typ string) []byte {
	return []byte(typePrefix + typ + "\x00")
}

func (s *BadgerStore) Create(_ context.Context, typ string, fields map[string]encoding.Field) (Object, error) {
	if strings.TrimSpace(typ) == "" {
		return Object{}, ErrTypeInvalid
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	obj := Object{Type: typ, Oid: s.opts.newOid(typ), Version: InitialVersion, Fields: fields}.Clone()
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(objectKey(obj.Oid)); err == nil {
			return fmt.Errorf("objectstore: duplicate oid %q", obj.Oid)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		if err := putRecord(txn, obj); err != nil {
			return err
		}
		idx := binary.BigEndian.AppendUint64(typeIndexPrefix(typ), seq)
		return txn.Set(idx, []byte(obj.Oid))
	})
	if err != nil {
		return Object{}, err
	}
	return obj, nil
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	var seq uint64
	item, err := txn.Get([]byte(seqKey))
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("objectstore: corrupt sequence (%d bytes)", len(val))
			}
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	seq++
	return seq, txn.Set([]byte(seqKey), binary.BigEndian.AppendUint64(nil, seq))
}

func putRecord(txn *badger.Txn, obj Object) error {
	raw, err := json.Marshal(record{Type: obj.Type, Version: uint64(obj.Version), Fields: obj.Fields})
	if err != nil {
		return fmt.Errorf("objectstore: encode %s: %w", obj.Oid, err)
	}
	return txn.Set(objectKey(obj.Oid), raw)
}

func getRecord(txn *badger.Txn, oid encoding.Oid) (Object, error) {
	item, err := txn.Get(objectKey(oid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, oid)
	}
	if err != nil {
		return Object{}, err
	}
	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return Object{}, fmt.Errorf("objectstore: decode %s: %w", oid, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]encoding.Field{}
	}
	return Object{Type: rec.Type, Oid: oid, Version: encoding.Version(rec.Version), Fields: rec.Fields}, nil
}

func (s *BadgerStore) Load(_ context.Context, oid encoding.Oid) (Object, error) {
	var obj Object
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		obj, err = getRecord(txn, oid)
		return err
	})
	return obj, err
}

func (s *BadgerStore) Update(_ context.Context, oid encoding.Oid, expected encoding.Version, mutate MutateFunc) (Object, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var next Object
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := getRecord(txn, oid)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return &StaleVersionError{Oid: oid, Expected: current.Version, Got: expected}
		}
		next = current.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		next.Type, next.Oid = current.Type, current.Oid
		next.Version = current.Version + 1
		return putRecord(txn, next)
	})
	if err != nil {
		return Object{}, err
	}
	return next, nil
}

func (s *BadgerStore) Instances(_ context.Context, typ string) ([]Object, error) {
	out := make([]Object, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := typeIndexPrefix(typ)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			oid, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			obj, err := getRecord(txn, encoding.Oid(oid))
			if err != nil {
				return err
			}
			out = append(out, obj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
