package usecase

import (
	"sort"
	"sync"
	"time"

	"torrentgate/internal/domain"
)

// LedgerEntry records the last client interaction with a session. Seq is the
// insertion order and breaks ties between identical timestamps.
type LedgerEntry struct {
	ID         domain.SessionID
	LastAccess time.Time
	Seq        uint64
}

// Ledger tracks session recency. It does no I/O.
type Ledger struct {
	mu      sync.Mutex
	entries map[domain.SessionID]*LedgerEntry
	seq     uint64
	now     func() time.Time
}

func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		entries: make(map[domain.SessionID]*LedgerEntry),
		now:     now,
	}
}

// Touch records an interaction and returns its timestamp. The insertion
// sequence of an existing entry is preserved.
func (l *Ledger) Touch(id domain.SessionID) time.Time {
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		e.LastAccess = now
		return now
	}
	l.seq++
	l.entries[id] = &LedgerEntry{ID: id, LastAccess: now, Seq: l.seq}
	return now
}

// Remove deletes the entry and reports whether one existed.
func (l *Ledger) Remove(id domain.SessionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	return true
}

func (l *Ledger) Get(id domain.SessionID) (LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return LedgerEntry{}, false
	}
	return *e, true
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of all entries in insertion order.
func (l *Ledger) Snapshot() []LedgerEntry {
	l.mu.Lock()
	out := make([]LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
