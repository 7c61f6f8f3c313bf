package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"PulseRelay/internal/models"
)

var (
	_ Store        = (*MemoryStore)(nil)
	_ ChangeLog    = (*MemoryStore)(nil)
	_ ChangePruner = (*MemoryStore)(nil)
	_ Leaser       = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory Store and ChangeLog. Safe for concurrent use.
// Intended for tests and local development.
type MemoryStore struct {
	mu sync.RWMutex

	entries map[string]*models.QueueEntry
	changes []ChangeEvent
	relayed map[int64]bool
	seq     int64
	leases  map[string]bool

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*models.QueueEntry),
		relayed: make(map[int64]bool),
		leases:  make(map[string]bool),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for updated_at and change events.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) record(kind ChangeKind, e *models.QueueEntry) {
	m.seq++
	m.changes = append(m.changes, ChangeEvent{
		Seq:     m.seq,
		Kind:    kind,
		EntryID: e.ID,
		Entry:   e.Clone(),
		At:      m.now(),
	})
}

func (m *MemoryStore) Enqueue(_ context.Context, entry *models.QueueEntry) (*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.ID]; exists {
		return nil, ErrDuplicateEntry
	}
	cp := entry.Clone()
	m.entries[cp.ID] = cp
	m.record(ChangeInsert, cp)
	return cp.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, u StatusUpdate) (*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := e.Clone()
	if err := ApplyUpdate(next, u, m.now()); err != nil {
		return nil, err
	}
	m.entries[id] = next
	m.record(ChangeUpdate, next)
	return next.Clone(), nil
}

func (m *MemoryStore) QueryByStatus(_ context.Context, status models.Status, limit int) ([]*models.QueueEntry, error) {
	return m.filter(limit, func(e *models.QueueEntry) bool { return e.Status == status }), nil
}

func (m *MemoryStore) QueryByNotificationID(_ context.Context, notificationID string) ([]*models.QueueEntry, error) {
	return m.filter(0, func(e *models.QueueEntry) bool { return e.NotificationID == notificationID }), nil
}

func (m *MemoryStore) filter(limit int, keep func(*models.QueueEntry) bool) []*models.QueueEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.QueueEntry, 0)
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.entries, id)
	m.record(ChangeDelete, e)
	return nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[models.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[models.Status]int64, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for _, e := range m.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]*models.QueueEntry, error) {
	due := m.filter(0, func(e *models.QueueEntry) bool {
		return e.Status == models.StatusPending && e.Deferred() && e.Due(now)
	})
	sort.SliceStable(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return m.deleteWhere(func(e *models.QueueEntry) bool {
		return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
	}), nil
}

func (m *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	return m.deleteWhere(func(e *models.QueueEntry) bool {
		return e.Status.Terminal() && e.UpdatedAt.Before(before)
	}), nil
}

func (m *MemoryStore) deleteWhere(match func(*models.QueueEntry) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, e := range m.entries {
		if match(e) {
			delete(m.entries, id)
			m.record(ChangeDelete, e)
			n++
		}
	}
	return n
}

func (m *MemoryStore) ClaimChanges(_ context.Context, limit int) ([]ChangeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChangeEvent, 0)
	for _, c := range m.changes {
		if m.relayed[c.Seq] {
			continue
		}
		c.Entry = c.Entry.Clone()
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkRelayed(_ context.Context, seqs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range seqs {
		m.relayed[s] = true
	}
	return nil
}

// PruneRelayed drops relayed change events recorded before the cutoff.
func (m *MemoryStore) PruneRelayed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.changes[:0]
	var n int64
	for _, c := range m.changes {
		if m.relayed[c.Seq] && c.At.Before(before) {
			delete(m.relayed, c.Seq)
			n++
			continue
		}
		kept = append(kept, c)
	}
	m.changes = kept
	return n, nil
}

// TryLease hands out leases within this process only.
func (m *MemoryStore) TryLease(_ context.Context, name string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leases[name] {
		return nil, false, nil
	}
	m.leases[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.leases, name)
			m.mu.Unlock()
		})
	}, true, nil
}

// Changes returns every recorded change event, relayed or not.
func (m *MemoryStore) Changes() []ChangeEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChangeEvent, len(m.changes))
	for i, c := range m.changes {
		c.Entry = c.Entry.Clone()
		out[i] = c
	}
	return out
}
