package wire

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/remoteobj/internal/protocol"
	"github.com/danmuck/remoteobj/internal/testutil/testlog"
)

func TestGuardStatusExhaustiveness(t *testing.T) {
	testlog.Start(t)
	kinds := []error{
		protocol.ErrTransport,
		protocol.ErrProtocolUsage,
		protocol.ErrRemoteFailure,
		protocol.ErrConcurrencyConflict,
		protocol.ErrEncoding,
	}
	cases := []struct {
		name      string
		stream    string
		want      error
		wantState GuardState
		wantText  string
	}{
		{name: "ok", stream: "ok 4\n", want: nil, wantState: GuardNormal},
		{name: "error", stream: "error\nno such field: title\n\n", want: protocol.ErrRemoteFailure, wantState: GuardNormal, wantText: "no such field: title"},
		{name: "concurrency", stream: "concurrency\nexpected 4, got 3\n\n", want: protocol.ErrConcurrencyConflict, wantState: GuardConflicted, wantText: "expected 4, got 3"},
		{name: "unknown", stream: "maybe\n", want: protocol.ErrProtocolUsage, wantState: GuardNormal},
		{name: "truncated error", stream: "error\nno such obj", want: protocol.ErrTransport, wantState: GuardNormal},
		{name: "truncated concurrency", stream: "concurrency\nexpected 4, got 3\n", want: protocol.ErrTransport, wantState: GuardConflicted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tc.stream))
			st, err := r.ReadStatus()
			if err != nil {
				t.Fatalf("read status: %v", err)
			}
			g := NewGuard(r)
			err = g.Inspect(st)
			if g.State() != tc.wantState {
				t.Fatalf("state got=%v want=%v", g.State(), tc.wantState)
			}
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			for _, kind := range kinds {
				if errors.Is(err, kind) != (kind == tc.want) {
					t.Fatalf("err=%v matched kind %v incorrectly", err, kind)
				}
			}
			switch tc.want {
			case protocol.ErrRemoteFailure:
				var remote *protocol.RemoteError
				if !errors.As(err, &remote) || remote.Message != tc.wantText {
					t.Fatalf("unexpected remote error %#v", err)
				}
			case protocol.ErrConcurrencyConflict:
				var conflict *protocol.ConflictError
				if !errors.As(err, &conflict) || conflict.Detail != tc.wantText {
					t.Fatalf("unexpected conflict %#v", err)
				}
			}
		})
	}
}

func TestGuardMultiLineConflictVerbatim(t *testing.T) {
	testlog.Start(t)
	r := NewReader(strings.NewReader("concurrency\n{\"expected\":4,\n\"got\":3}\n\nok\n"))
	st, err := r.ReadStatus()
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	err = NewGuard(r).Inspect(st)
	var conflict *protocol.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Detail != "{\"expected\":4,\n\"got\":3}" {
		t.Fatalf("detail not verbatim: %q", conflict.Detail)
	}
	next, err := r.ReadStatus()
	if err != nil || next.Code() != StatusOK {
		t.Fatalf("stream not positioned after block: st=%v err=%v", next, err)
	}
}
