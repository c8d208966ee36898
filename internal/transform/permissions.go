package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gather-ingest/internal/models"
)

// tokenGrammar is the shape every allowed-principal token must satisfy:
// a lowercase scheme, a colon, and a non-empty opaque value with no
// whitespace. The canonical construction is email:<lowercased-email>.
var tokenGrammar = regexp.MustCompile(`^[a-z]+:\S+$`)

// EmailToken builds the canonical token for an email principal.
func EmailToken(email string) string {
	return "email:" + strings.ToLower(strings.TrimSpace(email))
}

// ValidateTokens rejects any token outside the grammar. An invalid token
// aborts document construction: shipping a document with a malformed grant
// is worse than not shipping it.
func ValidateTokens(tokens []string) error {
	for _, tok := range tokens {
		if !tokenGrammar.MatchString(tok) {
			return fmt.Errorf("invalid permission token %q", tok)
		}
	}
	return nil
}

// ResolvePermissions reduces a set of candidate principals to the document
// permission pair. tenantVisible short-circuits to the tenant policy with
// no token list; otherwise the emails are deduped, lowercased, tokenized
// and validated.
func ResolvePermissions(tenantVisible bool, emails []string) (models.PermissionPolicy, []string, error) {
	if tenantVisible {
		return models.PolicyTenant, nil, nil
	}

	seen := map[string]struct{}{}
	var tokens []string
	for _, email := range emails {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		tok := EmailToken(email)
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	if err := ValidateTokens(tokens); err != nil {
		return "", nil, err
	}
	return models.PolicyPrivate, tokens, nil
}
