package config

import (
	"strings"

	"github.com/danmuck/remoteobj/internal/auth"
	"github.com/danmuck/remoteobj/internal/metamodel"
)

// Metamodel builds the static metamodel of the declared types.
func (c ModelConfig) Metamodel() (*metamodel.Static, error) {
	defs := make(map[string][]metamodel.Member, len(c.Types))
	for _, t := range c.Types {
		members := make([]metamodel.Member, 0, len(t.Members))
		for _, m := range t.Members {
			kind, err := metamodel.ParseKind(m.Kind)
			if err != nil {
				return nil, err
			}
			members = append(members, metamodel.Member{
				Name:       strings.TrimSpace(m.Name),
				Kind:       kind,
				Target:     strings.TrimSpace(m.Target),
				ClientSide: m.ClientSide,
			})
		}
		defs[strings.TrimSpace(t.Name)] = members
	}
	return metamodel.NewStatic(defs)
}

// Authenticator checks passwords of the declared users. Without users every
// login is accepted.
func (c ModelConfig) Authenticator() auth.Authenticator {
	if len(c.Users) == 0 {
		return auth.AllowAll{}
	}
	hashes := make(map[string]string, len(c.Users))
	for _, u := range c.Users {
		hashes[strings.TrimSpace(u.Name)] = u.PasswordHash
	}
	return auth.NewPasswordAuthenticator(hashes)
}

// Authorizer applies the rules in file order.
func (c ModelConfig) Authorizer() *auth.RuleAuthorizer {
	rules := make([]auth.Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, auth.Rule{
			User:   strings.TrimSpace(r.User),
			Type:   strings.TrimSpace(r.Type),
			Member: strings.TrimSpace(r.Member),
			Access: strings.TrimSpace(r.Access),
			Deny:   r.Deny,
		})
	}
	return auth.NewRuleAuthorizer(rules)
}
