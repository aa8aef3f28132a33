// Package retention selects derived artifacts for deletion under an
// age-based or count-based policy.
//
// # Overview
//
// A retention policy is exclusive: either it names an age threshold in
// days, or a per-owner keep count, never both. Age mode deletes every
// artifact created strictly before the cutoff, regardless of owner.
// Count mode partitions artifacts by owner key, keeps the newest n per
// partition, and deletes the rest. Artifacts whose owner cannot be
// resolved are never deleted in count mode; they are reported
// separately so the operator can repair the linkage.
package retention

import (
	"sort"
	"time"

	"github.com/cloudreaper/cloudreaper/pkg/engine"
)

// Policy names the retention rule for one task. Exactly one of Days or
// Count must be set.
type Policy struct {
	// Days deletes artifacts older than this many days. Must be
	// positive when set.
	Days *int `json:"days,omitempty" yaml:"days,omitempty"`

	// Count keeps this many artifacts per owner group and deletes the
	// rest. Zero is valid and deletes every artifact in the group.
	Count *int `json:"count,omitempty" yaml:"count,omitempty"`
}

// Validate rejects policies with both or neither parameter set, a
// non-positive age, or a negative count. Runs before any side effect.
func (p Policy) Validate() error {
	switch {
	case p.Days != nil && p.Count != nil:
		return engine.NewConfigError("retention days and count are mutually exclusive", nil).WithCode(engine.ErrCodeValidation)
	case p.Days == nil && p.Count == nil:
		return engine.NewConfigError("retention policy requires days or count", nil).WithCode(engine.ErrCodeValidation)
	case p.Days != nil && *p.Days <= 0:
		return engine.NewConfigError("retention days must be positive", nil).WithCode(engine.ErrCodeValidation)
	case p.Count != nil && *p.Count < 0:
		return engine.NewConfigError("retention count must not be negative", nil).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// AgeMode reports whether the policy deletes by age.
func (p Policy) AgeMode() bool { return p.Days != nil }

// Candidate pairs a resource with its resolved owner key. Owner is
// empty when the resolver could not determine one.
type Candidate struct {
	Resource engine.Resource
	Owner    string
}

// Selection is the outcome of applying a policy to a candidate set.
type Selection struct {
	// Delete holds the artifacts the policy marks for deletion.
	Delete []engine.Resource

	// Unresolved holds count-mode candidates with no owner key. They
	// are excluded from deletion and must be reported.
	Unresolved []engine.Resource
}

// SelectForDeletion applies the policy to the candidates. The policy
// must already be validated. Output order is deterministic for a given
// input order.
func SelectForDeletion(candidates []Candidate, policy Policy, now time.Time) Selection {
	if policy.AgeMode() {
		return selectByAge(candidates, *policy.Days, now)
	}
	return selectByCount(candidates, *policy.Count)
}

// selectByAge yields every candidate created strictly before the
// cutoff. Owner resolution does not matter in age mode.
func selectByAge(candidates []Candidate, days int, now time.Time) Selection {
	cutoff := now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
	var sel Selection
	for _, c := range candidates {
		if c.Resource.CreatedAt.Before(cutoff) {
			sel.Delete = append(sel.Delete, c.Resource)
		}
	}
	return sel
}

// selectByCount keeps the newest n candidates per owner and deletes
// the rest. Candidates without an owner are reported, never deleted.
func selectByCount(candidates []Candidate, keep int) Selection {
	var sel Selection
	groups := make(map[string][]engine.Resource)
	var order []string
	for _, c := range candidates {
		if c.Owner == "" {
			sel.Unresolved = append(sel.Unresolved, c.Resource)
			continue
		}
		if _, seen := groups[c.Owner]; !seen {
			order = append(order, c.Owner)
		}
		groups[c.Owner] = append(groups[c.Owner], c.Resource)
	}

	for _, owner := range order {
		group := groups[owner]
		// Stable sort so equal timestamps keep their input order.
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		if keep >= len(group) {
			continue
		}
		sel.Delete = append(sel.Delete, group[keep:]...)
	}
	return sel
}
