package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

// copyDispute returns a deep copy; Annotations share a backing array on a
// shallow copy.
func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.Resolution != nil {
		res := *d.Resolution
		cp.Resolution = &res
	}
	if d.Annotations != nil {
		cp.Annotations = make([]Annotation, len(d.Annotations))
		copy(cp.Annotations, d.Annotations)
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.EscrowID == escrowID && !d.IsTerminal() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateFrom(ctx context.Context, id string, from []Status, mutate func(*Dispute) error) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}

	allowed := false
	for _, st := range from {
		if d.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrInvalidStatus
	}

	work := copyDispute(d)
	if err := mutate(work); err != nil {
		return nil, err
	}
	m.disputes[id] = work
	return copyDispute(work), nil
}

func (m *MemoryStore) Annotate(ctx context.Context, id string, a Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrNotFound
	}
	d.Annotations = append(d.Annotations, a)
	return nil
}

func (m *MemoryStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.EscrowID == escrowID {
			result = append(result, copyDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			result = append(result, copyDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
