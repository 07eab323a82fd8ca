package facade_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/remoteobj/internal/backend"
	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/metamodel"
	"github.com/danmuck/remoteobj/internal/objectstore"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/danmuck/remoteobj/internal/protocol/wire"
	"github.com/danmuck/remoteobj/internal/testutil/testlog"
)

type observed struct {
	op     facade.Op
	status string
}

type dispatchFixture struct {
	backend *backend.Backend
	session facade.Session
	d       *facade.Dispatcher
	seen    []observed
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	model, err := metamodel.NewStatic(map[string][]metamodel.Member{
		"Person": {{Name: "name", Kind: metamodel.KindValue}},
	})
	if err != nil {
		t.Fatalf("metamodel: %v", err)
	}
	b, err := backend.New(backend.Config{
		Store:     objectstore.NewMemoryStore(objectstore.WithOidFunc(func(string) encoding.Oid { return "P-1" })),
		Metamodel: model,
	})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	s, err := b.OpenSession(context.Background(), "ada", "")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	f := &dispatchFixture{backend: b, session: s}
	f.d = facade.NewDispatcher(b, facade.WithObserver(func(op facade.Op, status string, _ time.Duration) {
		f.seen = append(f.seen, observed{op, status})
	}))
	return f
}

// serve dispatches one encoded request and returns the raw response.
func (f *dispatchFixture) serve(t *testing.T, request []byte) (string, error) {
	t.Helper()
	r := wire.NewReader(bytes.NewReader(request))
	req, err := r.ReadRequest()
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var out bytes.Buffer
	err = f.d.Dispatch(context.Background(), req, r, wire.NewWriter(&out))
	return out.String(), err
}

func request(t *testing.T, op facade.Op, arg string, sections ...func(w *wire.Writer) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	if err := w.BeginRequest(facade.Describe(op).Command, arg); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, write := range sections {
		if err := write(w); err != nil {
			t.Fatalf("section: %v", err)
		}
		if err := w.EndSection(); err != nil {
			t.Fatalf("end section: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return buf.Bytes()
}

func identity(d encoding.ObjectData) func(w *wire.Writer) error {
	return func(w *wire.Writer) error { return encoding.WriteIdentity(w, d) }
}

func value(v encoding.Value) func(w *wire.Writer) error {
	return func(w *wire.Writer) error { return encoding.WriteValue(w, v) }
}

func TestSetValueAnswersNewVersion(t *testing.T) {
	testlog.Start(t)
	f := newDispatchFixture(t)
	target, err := f.backend.Create(context.Background(), "Person", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := f.serve(t, request(t, facade.OpSetValue, string(f.session)+" name",
		identity(target), value(encoding.MustValue("ada"))))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out != "ok 2\n" {
		t.Fatalf("response = %q", out)
	}

	out, err = f.serve(t, request(t, facade.OpSetValue, string(f.session)+" name",
		identity(target), value(encoding.MustValue("late"))))
	if err != nil {
		t.Fatalf("dispatch stale: %v", err)
	}
	if out != "concurrency\nexpected 2, got 1\n\n" {
		t.Fatalf("stale response = %q", out)
	}
	want := []observed{{facade.OpSetValue, wire.StatusOK}, {facade.OpSetValue, wire.StatusConcurrency}}
	if len(f.seen) != len(want) || f.seen[0] != want[0] || f.seen[1] != want[1] {
		t.Fatalf("observed = %+v", f.seen)
	}
}

func TestFindInstancesWritesOneBlockPerObject(t *testing.T) {
	testlog.Start(t)
	f := newDispatchFixture(t)
	if _, err := f.backend.Create(context.Background(), "Person", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := f.serve(t, request(t, facade.OpFindInstances, string(f.session)+" Person",
		func(*wire.Writer) error { return nil }))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out != "ok 1\nPerson\ns\nP-1\nuint64\n1\n\n" {
		t.Fatalf("response = %q", out)
	}
}

func TestUnknownCommandIsAnsweredAndReported(t *testing.T) {
	testlog.Start(t)
	f := newDispatchFixture(t)
	out, err := f.serve(t, []byte("?whatever\n"))
	if !errors.Is(err, facade.ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if !strings.HasPrefix(out, "error\n") {
		t.Fatalf("response = %q", out)
	}
}

func TestWrongArgumentCountIsARemoteFailure(t *testing.T) {
	testlog.Start(t)
	f := newDispatchFixture(t)
	out, err := f.serve(t, request(t, facade.OpHasInstances, string(f.session)))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.HasPrefix(out, "error\n") || !strings.Contains(out, "takes 2 arguments") {
		t.Fatalf("response = %q", out)
	}
}

func TestTruncatedSectionDropsTheRequest(t *testing.T) {
	testlog.Start(t)
	f := newDispatchFixture(t)
	full := request(t, facade.OpResolveObject, string(f.session),
		identity(encoding.ObjectData{Type: "Person", Oid: "P-1", Version: 1}))
	cut := full[:len(full)-4]
	out, err := f.serve(t, cut)
	if !errors.Is(err, facade.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
	if out != "" {
		t.Fatalf("truncated request produced output %q", out)
	}
	if len(f.seen) != 0 {
		t.Fatalf("truncated request was observed: %+v", f.seen)
	}
}

func TestGetPropertiesIsSortedAndCounted(t *testing.T) {
	testlog.Start(t)
	b, err := backend.New(backend.Config{
		Store:      objectstore.NewMemoryStore(),
		Properties: map[string]string{"z": "last", "a": "first"},
	})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	s, err := b.OpenSession(context.Background(), "ada", "")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	f := &dispatchFixture{backend: b, session: s, d: facade.NewDispatcher(b)}
	out, err := f.serve(t, request(t, facade.OpGetProperties, string(s)))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out != "ok 2\na=first\nz=last\n\n" {
		t.Fatalf("response = %q", out)
	}
}

func TestCatalogCommandsAreUnique(t *testing.T) {
	testlog.Start(t)
	seen := map[byte]facade.Op{}
	for _, d := range facade.Catalog() {
		if prev, ok := seen[d.Command]; ok {
			t.Fatalf("%s and %s share command %q", prev, d.Op, d.Command)
		}
		seen[d.Command] = d.Op
		if got, ok := facade.Lookup(d.Command); !ok || got.Op != d.Op {
			t.Fatalf("lookup %q = %+v", d.Command, got)
		}
	}
	if len(seen) != 17 {
		t.Fatalf("catalog has %d operations, want 17", len(seen))
	}
}

func TestOversizedBatchIsRefusedBeforeReadingSections(t *testing.T) {
	testlog.Start(t)
	f := newDispatchFixture(t)
	out, err := f.serve(t, []byte("xtok 99999999999999\n"))
	if !errors.Is(err, facade.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
	if !strings.HasPrefix(out, "error\n") || !strings.Contains(out, "limit of 1024") {
		t.Fatalf("response = %q", out)
	}
}

func TestBatchLimitIsConfigurable(t *testing.T) {
	testlog.Start(t)
	f := newDispatchFixture(t)
	d := facade.NewDispatcher(f.backend, facade.WithMaxBatch(1))
	r := wire.NewReader(strings.NewReader("x" + string(f.session) + " 2\n"))
	req, err := r.ReadRequest()
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var out bytes.Buffer
	err = d.Dispatch(context.Background(), req, r, wire.NewWriter(&out))
	if !errors.Is(err, facade.ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
	if !strings.Contains(out.String(), "2 sections exceed the limit of 1") {
		t.Fatalf("response = %q", out.String())
	}
}

func TestHugeParameterCountIsAnsweredAsError(t *testing.T) {
	testlog.Start(t)
	f := newDispatchFixture(t)
	target, err := f.backend.Create(context.Background(), "Person", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := f.serve(t, request(t, facade.OpExecuteServerAction, string(f.session)+" promote",
		identity(target),
		func(w *wire.Writer) error { return w.WriteLine("99999999999999999") }))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.HasPrefix(out, "error\n") || !strings.Contains(out, "exhausted") {
		t.Fatalf("response = %q", out)
	}
}
