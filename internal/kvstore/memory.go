package kvstore

import (
	"context"
	"sync"
	"time"

	"github.com/dharsanguruparan/deaddrop/internal/model"
)

// MemoryStore keeps drops and attempts in maps guarded by a RWMutex. The
// codes map plays the role of the unique short code index.
type MemoryStore struct {
	mu       sync.RWMutex
	drops    map[string]*model.Drop
	codes    map[string]string
	attempts map[string][]*model.Attempt
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drops:    make(map[string]*model.Drop),
		codes:    make(map[string]string),
		attempts: make(map[string][]*model.Attempt),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, dropID string) (*model.Drop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drops[dropID]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) PutNew(_ context.Context, d *model.Drop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drops[d.ID]; ok {
		return ErrExists
	}
	if d.ShortCodeNorm != "" {
		if owner, ok := m.codes[d.ShortCodeNorm]; ok && owner != d.ID {
			return ErrShortCodeTaken
		}
		m.codes[d.ShortCodeNorm] = d.ID
	}
	rec := d.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.drops[d.ID] = rec
	return nil
}

func (m *MemoryStore) ConditionalUpdate(_ context.Context, dropID string, upd Update, cond Condition) (*model.Drop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drops[dropID]
	if !ok {
		return nil, ErrNotFound
	}
	if !cond.Holds(d) {
		return nil, ErrPreconditionFailed
	}
	return m.apply(d, upd)
}

func (m *MemoryStore) UnconditionalUpdate(_ context.Context, dropID string, upd Update) (*model.Drop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drops[dropID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.apply(d, upd)
}

// apply must be called with the write lock held.
func (m *MemoryStore) apply(d *model.Drop, upd Update) (*model.Drop, error) {
	if !upd.Forward(d) {
		return nil, ErrPreconditionFailed
	}
	if upd.ShortCodeNorm != nil && *upd.ShortCodeNorm != "" {
		if owner, ok := m.codes[*upd.ShortCodeNorm]; ok && owner != d.ID {
			return nil, ErrShortCodeTaken
		}
	}
	oldNorm := d.ShortCodeNorm
	Apply(d, upd)
	if d.ShortCodeNorm != oldNorm {
		if oldNorm != "" {
			delete(m.codes, oldNorm)
		}
		if d.ShortCodeNorm != "" {
			m.codes[d.ShortCodeNorm] = d.ID
		}
	}
	d.UpdatedAt = time.Now().UTC()
	return d.Clone(), nil
}

func (m *MemoryStore) IncrementReadCount(_ context.Context, dropID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drops[dropID]
	if !ok {
		return 0, ErrNotFound
	}
	d.ReadCount++
	return d.ReadCount, nil
}

// LookupShortCode returns at most one drop since the codes map is unique.
func (m *MemoryStore) LookupShortCode(_ context.Context, norm string, _ int) ([]*model.Drop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[norm]
	if !ok {
		return nil, nil
	}
	return []*model.Drop{m.drops[id].Clone()}, nil
}

func (m *MemoryStore) ScanShortCode(_ context.Context, f ScanFilter) ([]*model.Drop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Drop
	for _, d := range m.drops {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.Matches(d) {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) PutAttempt(_ context.Context, a *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts[a.DropID] {
		if existing.AttemptID == a.AttemptID {
			return ErrExists
		}
	}
	rec := *a
	m.attempts[a.DropID] = append(m.attempts[a.DropID], &rec)
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, dropID string) ([]*model.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Attempt, 0, len(m.attempts[dropID]))
	for _, a := range m.attempts[dropID] {
		rec := *a
		out = append(out, &rec)
	}
	return out, nil
}
