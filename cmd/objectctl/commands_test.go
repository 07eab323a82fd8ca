package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/remoteobj/internal/backend"
	"github.com/danmuck/remoteobj/internal/config"
	"github.com/danmuck/remoteobj/internal/objectstore"
	"github.com/danmuck/remoteobj/internal/protocol/encoding"
	"github.com/danmuck/remoteobj/internal/server"
	"golang.org/x/crypto/bcrypt"
)

const personModel = `[[types]]
name = "Person"

  [[types.members]]
  name = "name"
  kind = "value"

  [[types.members]]
  name = "age"
  kind = "value"

  [[types.members]]
  name = "boss"
  kind = "reference"
  target = "Person"

  [[types.members]]
  name = "rename"
  kind = "action"
  client_side = true

  [[types.members]]
  name = "promote"
  kind = "action"
`

// startServer serves the Person model written to a temp file and returns
// the address, the backend and the model path.
func startServer(t *testing.T) (string, *backend.Backend, string) {
	t.Helper()
	modelPath := filepath.Join(t.TempDir(), "model.toml")
	if err := os.WriteFile(modelPath, []byte(personModel), 0o600); err != nil {
		t.Fatalf("write model: %v", err)
	}
	mc, err := config.LoadModelConfig(modelPath)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	model, err := mc.Metamodel()
	if err != nil {
		t.Fatalf("metamodel: %v", err)
	}
	b, err := backend.New(backend.Config{
		Store:      objectstore.NewMemoryStore(objectstore.WithOidFunc(sequentialOids())),
		Metamodel:  model,
		Properties: map[string]string{"b": "2", "a": "1"},
	})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	svc, err := server.NewService(server.Config{PoolSize: 2}, b)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = svc.Shutdown(shutdownCtx)
		_ = b.Close()
	})
	b.RegisterAction("Person", "promote", func(_ context.Context, obj *objectstore.Object, _ []encoding.Field) (encoding.Field, error) {
		obj.Fields["name"] = encoding.ValueField(encoding.MustValue("promoted"))
		return encoding.ValueField(encoding.MustValue(true)), nil
	})
	return ln.Addr().String(), b, modelPath
}

func sequentialOids() objectstore.OidFunc {
	n := 0
	return func(typ string) encoding.Oid {
		n++
		return encoding.Oid(typ + "-" + strconv.Itoa(n))
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPropsAreSorted(t *testing.T) {
	addr, _, _ := startServer(t)
	out, err := execute(t, "props", "--addr", addr)
	if err != nil {
		t.Fatalf("props: %v", err)
	}
	if out != "a=1\nb=2\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSetThenResolveAndFind(t *testing.T) {
	addr, b, model := startServer(t)
	if _, err := b.Create(context.Background(), "Person", map[string]encoding.Field{
		"name": encoding.ValueField(encoding.MustValue("ada")),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := execute(t, "set", "--addr", addr, "--model", model, "Person", "Person-1", "age", "int:36")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if strings.TrimSpace(out) != "Person#Person-1@2" {
		t.Fatalf("unexpected set output %q", out)
	}

	out, err = execute(t, "resolve", "--addr", addr, "Person", "Person-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, "age = int:36") || !strings.Contains(out, "name = s:ada") {
		t.Fatalf("unexpected resolve output %q", out)
	}

	out, err = execute(t, "find", "--addr", addr, "Person", "age=int:36")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if strings.TrimSpace(out) != "Person#Person-1@2" {
		t.Fatalf("unexpected find output %q", out)
	}
}

func TestRemoteFailureIsReturned(t *testing.T) {
	addr, _, _ := startServer(t)
	if _, err := execute(t, "get", "--addr", addr, "Person", "nobody"); err == nil {
		t.Fatalf("expected error for missing object")
	}
}

func TestMutationsNeedAModel(t *testing.T) {
	addr, b, _ := startServer(t)
	if _, err := b.Create(context.Background(), "Person", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := execute(t, "set", "--addr", addr, "Person", "Person-1", "name", "ada")
	if !errors.Is(err, errNoModel) {
		t.Fatalf("expected errNoModel, got %v", err)
	}
}

func TestLinkUnlinkAndActionsGoThroughProxies(t *testing.T) {
	addr, b, model := startServer(t)
	ctx := context.Background()
	for _, name := range []string{"ada", "grace"} {
		if _, err := b.Create(ctx, "Person", map[string]encoding.Field{
			"name": encoding.ValueField(encoding.MustValue(name)),
		}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	run := func(want string, args ...string) string {
		t.Helper()
		out, err := execute(t, append([]string{"--addr", addr, "--model", model}, args...)...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !strings.HasPrefix(out, want) {
			t.Fatalf("%v printed %q, want prefix %q", args, out, want)
		}
		return out
	}

	run("Person#Person-1@2", "link", "Person", "Person-1", "boss", "Person", "Person-2")
	out := run("Person#Person-1@2", "resolve", "Person", "Person-1")
	if !strings.Contains(out, "boss = Person#Person-2@") {
		t.Fatalf("boss not linked: %q", out)
	}
	run("Person#Person-1@3", "unlink", "Person", "Person-1", "boss", "Person", "Person-2")

	run("Person#Person-1@4 -> ", "invoke", "Person", "Person-1", "rename", "--set", "name=countess")
	out = run("Person#Person-1@4", "resolve", "Person", "Person-1")
	if !strings.Contains(out, "name = s:countess") {
		t.Fatalf("client-side action not applied: %q", out)
	}

	run("Person#Person-1@5 -> bool:true", "invoke", "Person", "Person-1", "promote")
	run("Person#Person-1@6", "clear", "Person", "Person-1", "name")
}

func TestParseValue(t *testing.T) {
	v, err := parseValue("int:7")
	if err != nil || v.Tag != "int" || v.Form != "7" {
		t.Fatalf("int value = %+v, %v", v, err)
	}
	if _, err := parseValue("int:seven"); err == nil {
		t.Fatalf("expected parse error")
	}
	v, err = parseValue("note:hello")
	if err != nil || v.Tag != encoding.StringTag || v.Form != "note:hello" {
		t.Fatalf("string value = %+v, %v", v, err)
	}
}

func TestHashPrintsBcrypt(t *testing.T) {
	out, err := execute(t, "hash", "hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("hunter2")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}
