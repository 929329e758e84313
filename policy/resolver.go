package policy

// Resolver picks the policy of a key among registered groups.
type Resolver struct {
	groups []*GroupBuilder
}

// NewResolver creates a Resolver.
func NewResolver(groups ...*GroupBuilder) *Resolver {
	return &Resolver{groups: groups}
}

// Resolve returns the group and policy that best match key.
//
// Exact rules beat prefix rules, which beat regex rules. Among rules of the
// same kind the longer match wins, then the group registered first. Groups
// without a policy resolve to the zero Policy.
func (res *Resolver) Resolve(key string) (group string, pol Policy, ok bool) {
	bestKind := matchKind(-1)
	bestLen := -1

	for _, g := range res.groups {
		for _, r := range g.rules {
			matched, n := r.match(key)
			if !matched {
				continue
			}
			if bestKind < 0 || r.kind < bestKind || (r.kind == bestKind && n > bestLen) {
				bestKind = r.kind
				bestLen = n
				group = g.name
				ok = true
				pol = Policy{}
				if g.policy != nil {
					pol = *g.policy
				}
			}
		}
	}
	return group, pol, ok
}
