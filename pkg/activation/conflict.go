package activation

import "github.com/troupe-dev/troupe/pkg/agent"

// specificity scores a candidate for conflict resolution: 2 for pack-scoped
// agents, +1 when the role group exactly matches a tag in the request
// context. Higher wins; ties are surfaced to the caller, never guessed.
func specificity(roleGroup, packID string, actCtx agent.ActivationContext) int {
	score := 0
	if packID != "" {
		score = 2
	}
	if roleGroup != "" && actCtx.HasTag(roleGroup) {
		score++
	}
	return score
}

// conflictsWith reports whether an existing session competes with a candidate
// descriptor: a shared role group, or for pack-scoped agents a shared pack.
func conflictsWith(sess *Session, desc *agent.Descriptor) bool {
	if sess.AgentID == desc.ID {
		return false
	}
	if sess.RoleGroup != "" && sess.RoleGroup == desc.RoleGroup {
		return true
	}
	if sess.ExpansionPackID != "" && sess.ExpansionPackID == desc.ExpansionPackID {
		return true
	}
	return false
}
