package activity

import (
	"strings"

	"github.com/samber/lo"
)

const (
	// IdentityKeyName groups commits by author name.
	IdentityKeyName = "name"
	// IdentityKeyEmail groups commits by author email.
	IdentityKeyEmail = "email"
)

// IdentityResolver maps raw author identities onto canonical developer names.
type IdentityResolver struct {
	key     string
	aliases map[string]string
}

// NewIdentityResolver builds a resolver. duplicates maps a canonical name to the
// names or emails that should be folded into it.
func NewIdentityResolver(key string, duplicates map[string][]string) *IdentityResolver {
	if key != IdentityKeyEmail {
		key = IdentityKeyName
	}
	aliases := map[string]string{}
	for canonical, others := range duplicates {
		aliases[normalizeIdentity(canonical)] = canonical
		for _, alias := range others {
			aliases[normalizeIdentity(alias)] = canonical
		}
	}
	return &IdentityResolver{key: key, aliases: aliases}
}

// Resolve returns the canonical developer for one raw author.
func (r *IdentityResolver) Resolve(name, email string) string {
	candidate := strings.TrimSpace(name)
	if r != nil && r.key == IdentityKeyEmail && strings.TrimSpace(email) != "" {
		candidate = strings.TrimSpace(email)
	}
	if candidate == "" {
		candidate = strings.TrimSpace(email)
	}
	if candidate == "" {
		return UnknownDeveloper
	}
	if r == nil {
		return candidate
	}
	if canonical, ok := r.aliases[normalizeIdentity(candidate)]; ok {
		return canonical
	}
	return candidate
}

// Apply rewrites the Developer field of every record.
func (r *IdentityResolver) Apply(records []ChangeRecord) []ChangeRecord {
	return lo.Map(records, func(record ChangeRecord, _ int) ChangeRecord {
		record.Developer = r.Resolve(record.Developer, record.Email)
		return record
	})
}

func normalizeIdentity(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
