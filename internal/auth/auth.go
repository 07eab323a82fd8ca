// Package auth provides the credential and permission checks of the object
// server: password login for sessions, member rules for usable/visible
// checks, and a shared bearer token for the admin endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrUnknownUser  = errors.New("auth: unknown user")
)

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a validator for a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken extracts the token of an `Authorization: Bearer <token>`
// header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticator checks session credentials.
type Authenticator interface {
	Authenticate(user, password string) error
}

// AllowAll accepts every user. Used when no users are configured.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string) error { return nil }

// PasswordAuthenticator checks passwords against bcrypt hashes.
type PasswordAuthenticator struct {
	hashes map[string][]byte
}

// NewPasswordAuthenticator takes user name to bcrypt hash.
func NewPasswordAuthenticator(hashes map[string]string) *PasswordAuthenticator {
	a := &PasswordAuthenticator{hashes: make(map[string][]byte, len(hashes))}
	for user, hash := range hashes {
		a.hashes[user] = []byte(hash)
	}
	return a
}

func (a *PasswordAuthenticator) Authenticate(user, password string) error {
	hash, ok := a.hashes[user]
	if !ok {
		return ErrUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashPassword returns the bcrypt hash stored in server config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Access is the kind of member check.
type Access string

const (
	AccessUse  Access = "use"
	AccessView Access = "view"
)

// Wildcard matches any user, type, member or access in a Rule.
const Wildcard = "*"

// Rule denies or allows one access. Empty fields act as Wildcard.
type Rule struct {
	User   string
	Type   string
	Member string
	Access string
	Deny   bool
}

func (r Rule) matches(user, typ, member string, access Access) bool {
	return matchField(r.User, user) && matchField(r.Type, typ) &&
		matchField(r.Member, member) && matchField(r.Access, string(access))
}

func matchField(pattern, value string) bool {
	return pattern == "" || pattern == Wildcard || pattern == value
}

// Authorizer decides whether a member of an object is usable or visible.
type Authorizer interface {
	Allowed(user, typ, member string, access Access) bool
}

// RuleAuthorizer applies the first matching rule. Without a match access
// is granted.
type RuleAuthorizer struct {
	rules []Rule
}

func NewRuleAuthorizer(rules []Rule) *RuleAuthorizer {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &RuleAuthorizer{rules: cp}
}

func (a *RuleAuthorizer) Allowed(user, typ, member string, access Access) bool {
	for _, r := range a.rules {
		if r.matches(user, typ, member, access) {
			return !r.Deny
		}
	}
	return true
}
