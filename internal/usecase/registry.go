package usecase

import (
	"sort"
	"sync"
	"time"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

type entryState int

const (
	entryPending entryState = iota
	entryReady
)

type registryEntry struct {
	id         domain.SessionID
	state      entryState
	transfer   ports.Transfer // nil until the engine accepted the add
	admittedAt time.Time
	gen        uint64
}

// reservation identifies one admission attempt. gen lets background tasks
// detect that their entry was removed and replaced in the meantime.
type reservation struct {
	id       domain.SessionID
	gen      uint64
	existing bool
}

// Registry is the set of admitted sessions together with their ledger
// entries. Every compound change to the two happens under mu, so an entry
// exists in the ledger exactly when the session is admitted.
type Registry struct {
	mu      sync.Mutex
	engine  ports.Engine
	ledger  *Ledger
	entries map[domain.SessionID]*registryEntry
	gen     uint64
	now     func() time.Time
}

func NewRegistry(engine ports.Engine, ledger *Ledger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	if ledger == nil {
		ledger = NewLedger(now)
	}
	return &Registry{
		engine:  engine,
		ledger:  ledger,
		entries: make(map[domain.SessionID]*registryEntry),
		now:     now,
	}
}

func (r *Registry) Ledger() *Ledger { return r.ledger }

// reserve admits id if a slot is free. An already admitted id is touched
// and returned without consuming a slot.
func (r *Registry) reserve(id domain.SessionID, capacity int) (reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		r.ledger.Touch(id)
		return reservation{id: id, gen: e.gen, existing: true}, nil
	}
	if capacity > 0 && len(r.entries) >= capacity {
		return reservation{}, ErrCapacityExceeded
	}
	r.gen++
	r.entries[id] = &registryEntry{
		id:         id,
		state:      entryPending,
		admittedAt: r.now().UTC(),
		gen:        r.gen,
	}
	r.ledger.Touch(id)
	return reservation{id: id, gen: r.gen}, nil
}

func (r *Registry) attach(res reservation, t ports.Transfer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[res.id]
	if !ok || e.gen != res.gen {
		return false
	}
	e.transfer = t
	return true
}

func (r *Registry) markReady(res reservation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[res.id]
	if !ok || e.gen != res.gen {
		return false
	}
	e.state = entryReady
	return true
}

// release drops a reservation that never became ready.
func (r *Registry) release(res reservation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[res.id]
	if !ok || e.gen != res.gen {
		return false
	}
	delete(r.entries, res.id)
	r.ledger.Remove(res.id)
	return true
}

// acceptLate admits a transfer whose metadata arrived after its reservation
// was released. It fails when the id is taken or no slot is free.
func (r *Registry) acceptLate(t ports.Transfer, capacity int) (accepted, alreadyAdmitted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := t.ID()
	if _, ok := r.entries[id]; ok {
		return false, true
	}
	if capacity > 0 && len(r.entries) >= capacity {
		return false, false
	}
	r.gen++
	r.entries[id] = &registryEntry{
		id:         id,
		state:      entryReady,
		transfer:   t,
		admittedAt: r.now().UTC(),
		gen:        r.gen,
	}
	r.ledger.Touch(id)
	return true, false
}

// take removes id from the registry and the ledger in one step.
func (r *Registry) take(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		r.ledger.Remove(id)
		return false
	}
	delete(r.entries, id)
	r.ledger.Remove(id)
	return true
}

func (r *Registry) Has(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len is the number of admitted sessions, pending ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) IDs() []domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.SessionID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Touch refreshes the ledger for an admitted session.
func (r *Registry) Touch(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	r.ledger.Touch(id)
	return true
}

// Lookup resolves an admitted session and counts as client activity.
// The transfer is nil while the engine add is still in flight.
func (r *Registry) Lookup(id domain.SessionID) (domain.SessionHandle, ports.Transfer, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return domain.SessionHandle{}, nil, domain.ErrNotFound
	}
	r.ledger.Touch(id)
	snapshot := *e
	r.mu.Unlock()

	return r.project(snapshot), snapshot.transfer, nil
}

// Handles projects every admitted session in admission order. Listing does
// not count as activity.
func (r *Registry) Handles() []domain.SessionHandle {
	r.mu.Lock()
	snapshot := make([]registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, *e)
	}
	r.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].admittedAt.Equal(snapshot[j].admittedAt) {
			return snapshot[i].admittedAt.Before(snapshot[j].admittedAt)
		}
		return snapshot[i].gen < snapshot[j].gen
	})

	out := make([]domain.SessionHandle, 0, len(snapshot))
	for _, e := range snapshot {
		out = append(out, r.project(e))
	}
	return out
}

// evictionSnapshot returns the ledger together with the set of sessions the
// engine still holds. Pending entries count as live. The ledger and the
// entry set are captured in one critical section, so a session admitted
// while the engine is queried never shows up as a ledger-only entry.
func (r *Registry) evictionSnapshot() ([]LedgerEntry, map[domain.SessionID]struct{}) {
	r.mu.Lock()
	entries := make([]registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, *e)
	}
	ledger := r.ledger.Snapshot()
	r.mu.Unlock()

	live := make(map[domain.SessionID]struct{}, len(entries))
	for _, e := range entries {
		if e.transfer == nil {
			live[e.id] = struct{}{}
			continue
		}
		if _, ok := r.engine.Get(e.id); ok {
			live[e.id] = struct{}{}
		}
	}
	return ledger, live
}

// prune forgets a session the engine no longer has. Pending entries are
// kept: the engine has not seen them yet.
func (r *Registry) prune(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		if e.transfer == nil {
			return false
		}
		if _, live := r.engine.Get(id); live {
			return false
		}
	}
	delete(r.entries, id)
	r.ledger.Remove(id)
	return true
}

func (r *Registry) project(e registryEntry) domain.SessionHandle {
	h := domain.SessionHandle{
		ID:         e.id,
		Phase:      domain.PhasePending,
		AdmittedAt: e.admittedAt,
	}
	if le, ok := r.ledger.Get(e.id); ok {
		h.LastAccessAt = le.LastAccess
	}
	if e.transfer == nil {
		return h
	}
	ready := e.state == entryReady || signalled(e.transfer.Ready())
	h.Name = e.transfer.Name()
	h.Metrics = e.transfer.Metrics()
	if ready {
		h.Files = e.transfer.Files()
	}
	h.Phase = domain.PhaseFor(ready, h.Metrics.Progress)
	return h
}

func signalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
