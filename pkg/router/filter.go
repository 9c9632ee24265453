package router

import (
	"github.com/dyluth/tether/pkg/envelope"
)

// Origin restricts envelopes by who produced them.
// All set fields are ANDed together.
type Origin struct {
	ExcludeSession string // Drop envelopes produced by this session (own echoes)
	ExcludeUser    string // Drop envelopes produced by this user
	OnlyUser       string // Keep only envelopes produced by this user
}

// Filter defines matching criteria for a subscription.
// Empty/zero values are treated as "match all" for that criterion.
type Filter struct {
	Feature     string
	Entity      string
	Actions     []envelope.Action
	MinPriority envelope.Priority
	Origin      Origin
}

// Matches returns true if env satisfies every criterion.
func (f Filter) Matches(env *envelope.Envelope) bool {
	if f.Feature != "" && env.Feature != f.Feature {
		return false
	}
	if f.Entity != "" && env.Entity != f.Entity {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == env.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinPriority != "" && env.Meta.Priority.Rank() < f.MinPriority.Rank() {
		return false
	}
	if f.Origin.ExcludeSession != "" && env.Meta.SessionID == f.Origin.ExcludeSession {
		return false
	}
	if f.Origin.ExcludeUser != "" && env.Meta.UserID == f.Origin.ExcludeUser {
		return false
	}
	if f.Origin.OnlyUser != "" && env.Meta.UserID != f.Origin.OnlyUser {
		return false
	}
	return true
}

// scope places the subscription in the global, feature or entity delivery group.
func (f Filter) scope() scope {
	switch {
	case f.Feature == "" && f.Entity == "" && len(f.Actions) == 0:
		return scopeGlobal
	case f.Entity == "" && len(f.Actions) == 0:
		return scopeFeature
	default:
		return scopeEntity
	}
}
