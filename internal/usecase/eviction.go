package usecase

import (
	"sort"
	"time"

	"torrentgate/internal/domain"
)

type EvictionInput struct {
	Entries  []LedgerEntry
	Live     map[domain.SessionID]struct{}
	Capacity int
	TTL      time.Duration
	Now      time.Time
}

// EvictionPlan lists the sessions selected for removal. Pruned entries refer
// to sessions that are already gone; they are ledger cleanup only.
type EvictionPlan struct {
	Pruned   []domain.SessionID
	Overflow []domain.SessionID
	Expired  []domain.SessionID
}

func (p EvictionPlan) Removals() int {
	return len(p.Overflow) + len(p.Expired)
}

func (p EvictionPlan) Empty() bool {
	return len(p.Pruned) == 0 && p.Removals() == 0
}

// PlanEviction runs the overflow pass and then the expiry pass over the
// ledger. Capacity wins over recency: when more sessions are live than the
// budget allows, the oldest go first regardless of age.
func PlanEviction(in EvictionInput) EvictionPlan {
	var plan EvictionPlan

	candidates := make([]LedgerEntry, 0, len(in.Entries))
	for _, e := range in.Entries {
		if _, ok := in.Live[e.ID]; !ok {
			plan.Pruned = append(plan.Pruned, e.ID)
			continue
		}
		candidates = append(candidates, e)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return a.Seq < b.Seq
	})

	removed := make(map[domain.SessionID]struct{})
	if in.Capacity >= 0 && len(in.Live) > in.Capacity {
		excess := len(in.Live) - in.Capacity
		for _, e := range candidates {
			if excess == 0 {
				break
			}
			plan.Overflow = append(plan.Overflow, e.ID)
			removed[e.ID] = struct{}{}
			excess--
		}
	}

	if in.TTL > 0 {
		for _, e := range candidates {
			if _, gone := removed[e.ID]; gone {
				continue
			}
			if in.Now.Sub(e.LastAccess) > in.TTL {
				plan.Expired = append(plan.Expired, e.ID)
			}
		}
	}

	return plan
}
