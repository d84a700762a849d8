package model

// Chain holds a task's ordered identity list: primary first, then each
// configured fallback.
type Chain struct {
	identities []string
}

// NewChain builds a chain from the primary identity plus the configured
// fallback list. Duplicates of the primary are dropped so substitution stays
// idempotent when primary and fallback coincide.
func NewChain(primary string, fallbacks []string) Chain {
	identities := []string{primary}
	for _, id := range fallbacks {
		if id == "" || contains(identities, id) {
			continue
		}
		identities = append(identities, id)
	}
	return Chain{identities: identities}
}

// Next returns the identity to substitute after current fails. When current
// is last (or unknown), current is returned unchanged: substitution at the
// end of the chain is a no-op, never an error.
func (c Chain) Next(current string) string {
	for i, id := range c.identities {
		if id == current {
			if i+1 < len(c.identities) {
				return c.identities[i+1]
			}
			return current
		}
	}
	return current
}

// Primary returns the first identity in the chain.
func (c Chain) Primary() string {
	if len(c.identities) == 0 {
		return ""
	}
	return c.identities[0]
}

// Identities returns the full ordered list.
func (c Chain) Identities() []string {
	out := make([]string, len(c.identities))
	copy(out, c.identities)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
