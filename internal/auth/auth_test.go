package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/remoteobj/internal/testutil/testlog"
	"golang.org/x/crypto/bcrypt"
)

func TestStaticTokenValidate(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testlog.Start(t)
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  xyz ": "xyz",
	}
	for header, want := range cases {
		got, ok := BearerToken(header)
		if !ok || got != want {
			t.Fatalf("BearerToken(%q) = %q, %v", header, got, ok)
		}
	}
	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer   "} {
		if _, ok := BearerToken(header); ok {
			t.Fatalf("BearerToken(%q) accepted", header)
		}
	}
}

func TestPasswordAuthenticator(t *testing.T) {
	testlog.Start(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := NewPasswordAuthenticator(map[string]string{"ada": string(hash)})

	if err := a.Authenticate("ada", "s3cret"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := a.Authenticate("ada", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := a.Authenticate("bob", "s3cret"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected unknown user, got %v", err)
	}
}

func TestRuleAuthorizerFirstMatchWins(t *testing.T) {
	testlog.Start(t)
	a := NewRuleAuthorizer([]Rule{
		{User: "admin"},
		{Type: "Account", Member: "balance", Access: string(AccessUse), Deny: true},
		{Type: "Account", Member: "secret", Deny: true},
	})

	if !a.Allowed("admin", "Account", "balance", AccessUse) {
		t.Fatalf("admin rule should allow")
	}
	if a.Allowed("ada", "Account", "balance", AccessUse) {
		t.Fatalf("balance should not be usable")
	}
	if !a.Allowed("ada", "Account", "balance", AccessView) {
		t.Fatalf("balance should stay visible")
	}
	if a.Allowed("ada", "Account", "secret", AccessView) {
		t.Fatalf("secret should be hidden")
	}
	if !a.Allowed("ada", "Person", "name", AccessUse) {
		t.Fatalf("default should allow")
	}
}
