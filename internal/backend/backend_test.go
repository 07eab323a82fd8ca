package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/remoteobj/internal/auth"
	"github.com/danmuck/remoteobj/internal/facade"
	"github.com/danmuck/remoteobj/internal/metamodel"
	"github.com/danmuck/remoteobj/internal/objectstore"
	"github.com/danmuck/remoteobj/internal/protocol"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/danmuck/remoteobj/internal/testutil/testlog"
)

func newModel(t *testing.T) *metamodel.Static {
	t.Helper()
	m, err := metamodel.NewStatic(map[string][]metamodel.Member{
		"Person": {
			{Name: "name", Kind: metamodel.KindValue},
			{Name: "boss", Kind: metamodel.KindReference, Target: "Person"},
			{Name: "reports", Kind: metamodel.KindCollection, Target: "Person"},
			{Name: "promote", Kind: metamodel.KindAction},
		},
	})
	if err != nil {
		t.Fatalf("metamodel: %v", err)
	}
	return m
}

func newBackend(t *testing.T, cfg Config) (*Backend, facade.Session) {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = objectstore.NewMemoryStore()
	}
	if cfg.Metamodel == nil {
		cfg.Metamodel = newModel(t)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	s, err := b.OpenSession(context.Background(), "ada", "")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return b, s
}

func createPerson(t *testing.T, b *Backend, name string) encoding.ObjectData {
	t.Helper()
	d, err := b.Create(context.Background(), "Person", map[string]encoding.Field{
		"name": encoding.ValueField(encoding.MustValue(name)),
	})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return d
}

func TestSessionLifecycle(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{})
	if b.Sessions() != 1 {
		t.Fatalf("sessions = %d", b.Sessions())
	}
	if _, err := b.GetProperties(ctx, "bogus"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := b.CloseSession(ctx, s); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := b.CloseSession(ctx, s); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession on second close, got %v", err)
	}
}

func TestOpenSessionAuthenticates(t *testing.T) {
	testlog.Start(t)
	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := New(Config{
		Store:         objectstore.NewMemoryStore(),
		Authenticator: auth.NewPasswordAuthenticator(map[string]string{"ada": hash}),
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := b.OpenSession(context.Background(), "ada", "nope"); !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	if _, err := b.OpenSession(context.Background(), "ada", "pw"); err != nil {
		t.Fatalf("expected login, got %v", err)
	}
}

func TestSetValueBumpsVersionAndDetectsStale(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{})
	p := createPerson(t, b, "ada")

	var err error
	current := p
	for i := 0; i < 3; i++ {
		var v encoding.Version
		v, err = b.SetValue(ctx, s, current, "name", encoding.MustValue("x"))
		if err != nil {
			t.Fatalf("set value %d: %v", i, err)
		}
		current = current.WithVersion(v)
	}
	if current.Version != 4 {
		t.Fatalf("version = %d, want 4", current.Version)
	}

	_, err = b.SetValue(ctx, s, current.WithVersion(3), "name", encoding.MustValue("late"))
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Detail != "expected 4, got 3" {
		t.Fatalf("conflict detail = %q", conflict.Detail)
	}

	fs, err := b.ResolveField(ctx, s, current, "name")
	if err != nil {
		t.Fatalf("resolve field: %v", err)
	}
	if fs.Version != 4 || fs.Field.Value.Form != "x" {
		t.Fatalf("field state = %+v", fs)
	}
}

func TestFieldKindsEnforced(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{})
	p := createPerson(t, b, "ada")

	if _, err := b.SetValue(ctx, s, p, "boss", encoding.MustValue("x")); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	if _, err := b.SetValue(ctx, s, p, "age", encoding.MustValue(int64(3))); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	if _, err := b.SetValue(ctx, s, p, "name", encoding.Value{Tag: "no.such.Type", Form: "1"}); !errors.Is(err, protocol.ErrEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
	wrongType := encoding.ObjectData{Type: "Team", Oid: p.Oid, Version: p.Version}
	if _, err := b.ResolveObject(ctx, s, wrongType); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestAssociations(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{})
	boss := createPerson(t, b, "grace")
	a := createPerson(t, b, "ada")
	c := createPerson(t, b, "alan")

	v, err := b.SetAssociation(ctx, s, boss, "reports", a)
	if err != nil {
		t.Fatalf("add a: %v", err)
	}
	boss = boss.WithVersion(v)
	if v, err = b.SetAssociation(ctx, s, boss, "reports", c); err != nil {
		t.Fatalf("add c: %v", err)
	}
	boss = boss.WithVersion(v)
	if _, err := b.SetAssociation(ctx, s, boss, "reports", a); !errors.Is(err, ErrAlreadyAssociated) {
		t.Fatalf("expected ErrAlreadyAssociated, got %v", err)
	}
	if v, err = b.ClearAssociation(ctx, s, boss, "reports", a); err != nil {
		t.Fatalf("remove a: %v", err)
	}
	boss = boss.WithVersion(v)

	fs, err := b.ResolveField(ctx, s, boss, "reports")
	if err != nil {
		t.Fatalf("resolve reports: %v", err)
	}
	if fs.Field.Kind != encoding.KindCollection || len(fs.Field.Items) != 1 || fs.Field.Items[0].Oid != c.Oid {
		t.Fatalf("reports = %+v", fs.Field)
	}

	if v, err = b.SetAssociation(ctx, s, a, "boss", boss); err != nil {
		t.Fatalf("set boss: %v", err)
	}
	a = a.WithVersion(v)
	if _, err := b.ClearAssociation(ctx, s, a, "boss", c); !errors.Is(err, ErrNotAssociated) {
		t.Fatalf("expected ErrNotAssociated, got %v", err)
	}
	if v, err = b.ClearAssociation(ctx, s, a, "boss", boss); err != nil {
		t.Fatalf("clear boss: %v", err)
	}
	fs, err = b.ResolveField(ctx, s, a.WithVersion(v), "boss")
	if err != nil {
		t.Fatalf("resolve boss: %v", err)
	}
	if fs.Field.Kind != encoding.KindNull {
		t.Fatalf("boss = %+v", fs.Field)
	}
}

func TestFindInstancesWithCriteria(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{})
	createPerson(t, b, "ada")
	second := createPerson(t, b, "grace")
	createPerson(t, b, "alan")

	all, err := b.FindInstances(ctx, s, facade.Query{Type: "Person"})
	if err != nil || len(all) != 3 {
		t.Fatalf("find all = %v, %v", all, err)
	}
	found, err := b.FindInstances(ctx, s, facade.Query{
		Type:     "Person",
		Criteria: &facade.Criteria{Field: "name", Value: encoding.MustValue("grace")},
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 || found[0] != second {
		t.Fatalf("found = %v", found)
	}
	if ok, err := b.HasInstances(ctx, s, "Team"); err != nil || ok {
		t.Fatalf("has Team = %v, %v", ok, err)
	}
}

func TestClientActionBatch(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{})
	a := createPerson(t, b, "ada")
	g := createPerson(t, b, "grace")

	versions, err := b.ExecuteClientAction(ctx, s, []facade.FieldChange{
		{Target: a, Field: "name", Value: encoding.ValueField(encoding.MustValue("Ada"))},
		{Target: a, Field: "boss", Value: encoding.RefField(g)},
		{Target: g, Field: "name", Value: encoding.ValueField(encoding.MustValue("Grace"))},
	})
	if err != nil {
		t.Fatalf("client action: %v", err)
	}
	if len(versions) != 3 || versions[0] != 2 || versions[1] != 3 || versions[2] != 2 {
		t.Fatalf("versions = %v", versions)
	}

	_, err = b.ExecuteClientAction(ctx, s, []facade.FieldChange{
		{Target: g.WithVersion(2), Field: "name", Value: encoding.NullField()},
		{Target: a, Field: "name", Value: encoding.NullField()},
	})
	if !errors.Is(err, protocol.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	state, err := b.ResolveObject(ctx, s, g)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if state.Object.Version != 2 {
		t.Fatalf("batch partially applied: version %d", state.Object.Version)
	}
	name, _ := state.Field("name")
	if name.Value.Form != "Grace" {
		t.Fatalf("name = %+v", name)
	}
}

func TestServerAction(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{})
	p := createPerson(t, b, "ada")
	b.RegisterAction("Person", "promote", func(_ context.Context, obj *objectstore.Object, params []encoding.Field) (encoding.Field, error) {
		if len(params) != 1 {
			return encoding.Field{}, errors.New("promote takes a title")
		}
		obj.Fields["name"] = params[0]
		return encoding.ValueField(encoding.MustValue(true)), nil
	})

	res, err := b.ExecuteServerAction(ctx, s, p, "promote", []encoding.Field{encoding.ValueField(encoding.MustValue("Dr Ada"))})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if res.Version != 2 || res.Result.Value.Form != "true" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := b.ExecuteServerAction(ctx, s, p.WithVersion(2), "promote", nil); err == nil {
		t.Fatalf("expected action error")
	}
	if _, err := b.ExecuteServerAction(ctx, s, p.WithVersion(2), "fire", nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	fs, err := b.ResolveField(ctx, s, p, "name")
	if err != nil || fs.Version != 2 || fs.Field.Value.Form != "Dr Ada" {
		t.Fatalf("name after failed action = %+v, %v", fs, err)
	}
}

func TestPermissionsFilterAndRefuse(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{Authorizer: auth.NewRuleAuthorizer([]auth.Rule{
		{Type: "Person", Member: "name", Access: string(auth.AccessUse), Deny: true},
		{Type: "Person", Member: "boss", Access: string(auth.AccessView), Deny: true},
	})})
	p := createPerson(t, b, "ada")

	if ok, err := b.IsUsable(ctx, s, "name", p); err != nil || ok {
		t.Fatalf("name usable = %v, %v", ok, err)
	}
	if ok, err := b.IsVisible(ctx, s, "name", p); err != nil || !ok {
		t.Fatalf("name visible = %v, %v", ok, err)
	}
	if _, err := b.SetValue(ctx, s, p, "name", encoding.MustValue("x")); !errors.Is(err, ErrNotUsable) {
		t.Fatalf("expected ErrNotUsable, got %v", err)
	}
	state, err := b.ResolveObject(ctx, s, p)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := state.Field("boss"); ok {
		t.Fatalf("hidden field resolved")
	}
	if _, ok := state.Field("reports"); !ok {
		t.Fatalf("visible field missing")
	}
	if _, err := b.ResolveField(ctx, s, p, "boss"); !errors.Is(err, ErrNotVisible) {
		t.Fatalf("expected ErrNotVisible, got %v", err)
	}
}

func TestServicesAndProperties(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	b, s := newBackend(t, Config{Properties: map[string]string{"realm": "test"}})
	first, err := b.EnsureService(ctx, "people", "Person")
	if err != nil {
		t.Fatalf("ensure service: %v", err)
	}
	again, err := b.EnsureService(ctx, "people", "Person")
	if err != nil || again.Oid != first.Oid {
		t.Fatalf("service rebound to %v, %v", again, err)
	}
	got, err := b.OidForService(ctx, s, "people")
	if err != nil || got != first {
		t.Fatalf("oid for service = %v, %v", got, err)
	}
	if _, err := b.OidForService(ctx, s, "nobody"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
	props, err := b.GetProperties(ctx, s)
	if err != nil || props["realm"] != "test" {
		t.Fatalf("props = %v, %v", props, err)
	}
	obj, err := b.GetObject(ctx, s, "Person", first.Oid)
	if err != nil || obj != first {
		t.Fatalf("get object = %v, %v", obj, err)
	}
}
