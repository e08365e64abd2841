package identity

import "fmt"

// Scope is a named permission required to invoke an action.
type Scope string

const (
	ScopeMetaRead      Scope = "meta:read"
	ScopeIAMRead       Scope = "iam:read"
	ScopeIAMWrite      Scope = "iam:write"
	ScopeIAMVerify     Scope = "iam:verify"
	ScopeWebhooksRead  Scope = "webhooks:read"
	ScopeWebhooksWrite Scope = "webhooks:write"
	ScopeSettingsRead  Scope = "settings:read"
	ScopeSettingsWrite Scope = "settings:write"
)

var allScopes = []Scope{
	ScopeMetaRead,
	ScopeIAMRead, ScopeIAMWrite, ScopeIAMVerify,
	ScopeWebhooksRead, ScopeWebhooksWrite,
	ScopeSettingsRead, ScopeSettingsWrite,
}

// unverifiedScopes is the fixed minimal set an unverified tenant is held
// to: discovery, reads, and the verification action itself.
var unverifiedScopes = map[Scope]bool{
	ScopeMetaRead:     true,
	ScopeIAMRead:      true,
	ScopeIAMVerify:    true,
	ScopeWebhooksRead: true,
	ScopeSettingsRead: true,
}

func AllScopes() []Scope {
	out := make([]Scope, len(allScopes))
	copy(out, allScopes)
	return out
}

func KnownScope(s Scope) bool {
	for _, k := range allScopes {
		if k == s {
			return true
		}
	}
	return false
}

// ParseScopes converts raw strings, rejecting any scope the kernel does
// not know about so a typo cannot mint a dead credential.
func ParseScopes(raw []string) ([]Scope, error) {
	out := make([]Scope, 0, len(raw))
	for _, r := range raw {
		s := Scope(r)
		if !KnownScope(s) {
			return nil, fmt.Errorf("unknown scope %q", r)
		}
		out = append(out, s)
	}
	return out, nil
}

// AllowedForVerification returns the scopes a tenant in the given
// verification state may exercise at all.
func AllowedForVerification(verified bool) []Scope {
	if verified {
		return AllScopes()
	}
	out := make([]Scope, 0, len(unverifiedScopes))
	for _, s := range allScopes {
		if unverifiedScopes[s] {
			out = append(out, s)
		}
	}
	return out
}

// EffectiveScopes intersects a credential's declared scopes with what the
// tenant's verification state permits. Computed fresh on every resolve so a
// verification flip widens every existing credential immediately.
func EffectiveScopes(declared []Scope, verified bool) []Scope {
	if verified {
		out := make([]Scope, len(declared))
		copy(out, declared)
		return out
	}
	out := make([]Scope, 0, len(declared))
	for _, s := range declared {
		if unverifiedScopes[s] {
			out = append(out, s)
		}
	}
	return out
}

func HasScope(set []Scope, want Scope) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}

// ScopeStrings is the wire form of a scope set.
func ScopeStrings(set []Scope) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}
