package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swifthaul/payhold/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu          sync.RWMutex
	txs         map[string]*Transaction
	transitions []*TransitionRecord
	nextRecID   int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:       make(map[string]*Transaction),
		nextRecID: 1,
	}
}

// copyTx returns a deep copy so callers never share the stored pointer.
// Shallow copy would share the ReleaseConditions backing array, letting a
// mutation on the copy reach the stored transaction.
func copyTx(t *Transaction) *Transaction {
	cp := *t
	if t.ReleaseConditions != nil {
		cp.ReleaseConditions = make([]ReleaseCondition, len(t.ReleaseConditions))
		copy(cp.ReleaseConditions, t.ReleaseConditions)
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[tx.ID] = copyTx(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) GetByAgreement(ctx context.Context, agreementID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.txs {
		if tx.AgreementID == agreementID {
			return copyTx(tx), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateFrom applies mutate while holding the store lock, so transitions on
// the same transaction are strictly serialized. The status check and the
// write are one atomic step: a request against the wrong state fails with
// ErrInvalidStateTransition and changes nothing.
func (m *MemoryStore) UpdateFrom(ctx context.Context, id string, from []Status, mutate func(*Transaction) error) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}

	allowed := false
	for _, st := range from {
		if tx.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrInvalidStateTransition
	}

	work := copyTx(tx)
	if err := mutate(work); err != nil {
		return nil, err
	}
	m.txs[id] = work
	return copyTx(work), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Transaction
	for _, tx := range m.txs {
		if tx.PayerID == userID || tx.PayeeID == userID {
			matched = append(matched, tx)
		}
	}
	// Newest first, ID as tiebreaker, matching the postgres ordering.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	var result []*Transaction
	for _, tx := range matched {
		if after != nil {
			if tx.CreatedAt.After(after.CreatedAt) {
				continue
			}
			if tx.CreatedAt.Equal(after.CreatedAt) && tx.ID >= after.ID {
				continue
			}
		}
		result = append(result, copyTx(tx))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.Status == status {
			result = append(result, copyTx(tx))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if (tx.Status == StatusInitiated || tx.Status == StatusFunded) && tx.ExpiresAt.Before(before) {
			result = append(result, copyTx(tx))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	cp.ID = m.nextRecID
	m.nextRecID++
	m.transitions = append(m.transitions, &cp)
	return nil
}

func (m *MemoryStore) Timeline(ctx context.Context, escrowID string) ([]*TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*TransitionRecord
	for _, rec := range m.transitions {
		if rec.EscrowID == escrowID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
