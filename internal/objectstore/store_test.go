package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/danmuck/remoteobj/internal/testutil/testlog"
)

func sequentialOids() Option {
	var mu sync.Mutex
	n := 0
	return WithOidFunc(func(typ string) encoding.Oid {
		mu.Lock()
		defer mu.Unlock()
		n++
		return encoding.Oid(fmt.Sprintf("%s-%d", typ, n))
	})
}

func eachStore(t *testing.T, run func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		testlog.Start(t)
		s := NewMemoryStore(sequentialOids())
		defer s.Close()
		run(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		testlog.Start(t)
		s, err := OpenBadger("", sequentialOids())
		if err != nil {
			t.Fatalf("open badger: %v", err)
		}
		defer s.Close()
		run(t, s)
	})
}

func TestCreateAndLoad(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fields := map[string]encoding.Field{
			"name": encoding.ValueField(encoding.MustValue("ada")),
			"boss": encoding.NullField(),
		}
		obj, err := s.Create(ctx, "Person", fields)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if obj.Oid != "Person-1" || obj.Version != InitialVersion {
			t.Fatalf("unexpected identity %s", obj.Data())
		}
		fields["name"] = encoding.ValueField(encoding.MustValue("mutated"))

		got, err := s.Load(ctx, obj.Oid)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Fields["name"].Value.Form != "ada" {
			t.Fatalf("store aliased caller fields: %+v", got.Fields["name"])
		}
		if got.Fields["boss"].Kind != encoding.KindNull {
			t.Fatalf("boss kind = %s", got.Fields["boss"].Kind)
		}
		if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpdateCompareAndSwap(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		obj, err := s.Create(ctx, "Counter", map[string]encoding.Field{})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		set := func(n int64) MutateFunc {
			return func(o *Object) error {
				o.Fields["n"] = encoding.ValueField(encoding.MustValue(n))
				return nil
			}
		}
		next, err := s.Update(ctx, obj.Oid, obj.Version, set(1))
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if next.Version != obj.Version+1 {
			t.Fatalf("version = %d, want %d", next.Version, obj.Version+1)
		}

		_, err = s.Update(ctx, obj.Oid, obj.Version, set(2))
		var stale *StaleVersionError
		if !errors.As(err, &stale) {
			t.Fatalf("expected StaleVersionError, got %v", err)
		}
		if stale.Expected != next.Version || stale.Got != obj.Version {
			t.Fatalf("stale = %+v", stale)
		}
		if stale.Error() != "expected 2, got 1" {
			t.Fatalf("stale text = %q", stale.Error())
		}

		boom := errors.New("boom")
		if _, err := s.Update(ctx, obj.Oid, next.Version, func(*Object) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected mutate error, got %v", err)
		}
		got, err := s.Load(ctx, obj.Oid)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Version != next.Version {
			t.Fatalf("aborted update bumped version to %d", got.Version)
		}
		if got.Fields["n"].Value.Form != "1" {
			t.Fatalf("n = %+v", got.Fields["n"])
		}
	})
}

func TestInstancesKeepCreationOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var want []encoding.Oid
		for i := 0; i < 12; i++ {
			typ := "A"
			if i%3 == 0 {
				typ = "AB"
			}
			obj, err := s.Create(ctx, typ, nil)
			if err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
			if typ == "A" {
				want = append(want, obj.Oid)
			}
		}
		got, err := s.Instances(ctx, "A")
		if err != nil {
			t.Fatalf("instances: %v", err)
		}
		if len(got) != len(want) {
			t.Fatalf("got %d instances, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].Oid != want[i] {
				t.Fatalf("instance %d = %s, want %s", i, got[i].Oid, want[i])
			}
		}
		none, err := s.Instances(ctx, "Nothing")
		if err != nil || len(none) != 0 {
			t.Fatalf("expected no instances, got %v %v", none, err)
		}
	})
}

func TestCollectionFieldsAreCopied(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		item := encoding.ObjectData{Type: "Item", Oid: "i1", Version: 1}
		obj, err := s.Create(ctx, "Bag", map[string]encoding.Field{
			"items": encoding.CollectionField([]encoding.ObjectData{item}),
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		obj.Fields["items"].Items[0].Oid = "changed"
		got, err := s.Load(ctx, obj.Oid)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Fields["items"].Items[0].Oid != "i1" {
			t.Fatalf("collection aliased: %+v", got.Fields["items"].Items)
		}
	})
}

func TestCreateRejectsEmptyType(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if _, err := s.Create(context.Background(), " ", nil); !errors.Is(err, ErrTypeInvalid) {
			t.Fatalf("expected ErrTypeInvalid, got %v", err)
		}
	})
}
