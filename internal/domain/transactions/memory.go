package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"bookpay/internal/events"
	"bookpay/internal/payments"
	"bookpay/internal/settlement"
)

// MemoryStore is a Store kept in process. A single mutex plays the part of
// the database: the compare-and-set, the settlement and the outbox event
// happen under it together.
type MemoryStore struct {
	mu          sync.Mutex
	byID        map[string]*Transaction
	settlements map[string]*Settlement
	logs        []PaymentLog
	outbox      *events.MemoryOutbox
}

func NewMemoryStore(outbox *events.MemoryOutbox) *MemoryStore {
	if outbox == nil {
		outbox = events.NewMemoryOutbox()
	}
	return &MemoryStore{
		byID:        make(map[string]*Transaction),
		settlements: make(map[string]*Settlement),
		outbox:      outbox,
	}
}

func (m *MemoryStore) Outbox() *events.MemoryOutbox { return m.outbox }

func clone(t *Transaction) *Transaction {
	c := *t
	if t.CheckoutData != nil {
		c.CheckoutData = make(map[string]string, len(t.CheckoutData))
		for k, v := range t.CheckoutData {
			c.CheckoutData[k] = v
		}
	}
	if t.FailureReason != nil {
		r := *t.FailureReason
		c.FailureReason = &r
	}
	if t.ConfirmedAt != nil {
		at := *t.ConfirmedAt
		c.ConfirmedAt = &at
	}
	if t.LastPolledAt != nil {
		at := *t.LastPolledAt
		c.LastPolledAt = &at
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, t *Transaction) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.byID {
		if existing.BookingID == t.BookingID && existing.IdempotencyKey == t.IdempotencyKey {
			return clone(existing), false, nil
		}
		if existing.Gateway == t.Gateway && existing.ExternalRef == t.ExternalRef {
			return nil, false, ErrDuplicateExternalRef
		}
	}
	row := clone(t)
	row.UpdatedAt = row.CreatedAt
	m.byID[row.ID] = row
	return clone(row), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) find(match func(*Transaction) bool) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byID {
		if match(t) {
			return clone(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, bookingID, key string) (*Transaction, error) {
	return m.find(func(t *Transaction) bool { return t.BookingID == bookingID && t.IdempotencyKey == key })
}

func (m *MemoryStore) GetByExternalRef(_ context.Context, gateway payments.Method, ref string) (*Transaction, error) {
	return m.find(func(t *Transaction) bool { return t.Gateway == gateway && t.ExternalRef == ref })
}

func (m *MemoryStore) Apply(ctx context.Context, id string, c Change) (*Transaction, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !slices.Contains(c.From, t.State) {
		return clone(t), false, nil
	}

	// the event goes first so a failed save leaves the row untouched
	if c.Event != nil {
		if _, err := m.outbox.Save(ctx, *c.Event); err != nil {
			return nil, false, err
		}
	}

	t.State = c.To
	t.UpdatedAt = c.At
	if c.To == StateConfirmed {
		at := c.At
		t.ConfirmedAt = &at
	}
	if c.Reason != "" {
		r := c.Reason
		t.FailureReason = &r
	}
	if c.Settlement != nil {
		if _, exists := m.settlements[id]; !exists {
			s := *c.Settlement
			m.settlements[id] = &s
		}
	}
	return clone(t), true, nil
}

func (m *MemoryStore) list(match func(*Transaction) bool, less func(a, b *Transaction) bool, limit int) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.byID {
		if match(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*Transaction, error) {
	return m.list(
		func(t *Transaction) bool { return t.State == StatePendingConfirmation },
		polledBefore,
		limit,
	), nil
}

// polledBefore orders never-polled rows first, then by last poll, then age.
func polledBefore(a, b *Transaction) bool {
	switch {
	case a.LastPolledAt == nil && b.LastPolledAt != nil:
		return true
	case a.LastPolledAt != nil && b.LastPolledAt == nil:
		return false
	case a.LastPolledAt != nil && !a.LastPolledAt.Equal(*b.LastPolledAt):
		return a.LastPolledAt.Before(*b.LastPolledAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *MemoryStore) MarkPolled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	t.LastPolledAt = &at
	return nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return m.list(
		func(t *Transaction) bool { return !t.State.Terminal() && !t.ExpiresAt.After(now) },
		func(a, b *Transaction) bool { return a.ExpiresAt.Before(b.ExpiresAt) },
		limit,
	), nil
}

func (m *MemoryStore) GetSettlement(_ context.Context, transactionID string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) settlementsSince(since *time.Time) []*Settlement {
	var out []*Settlement
	for _, s := range m.settlements {
		if since == nil || !s.ComputedAt.Before(*since) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ComputedAt.Equal(out[j].ComputedAt) {
			return out[i].TransactionID > out[j].TransactionID
		}
		return out[i].ComputedAt.After(out[j].ComputedAt)
	})
	return out
}

func (m *MemoryStore) ListSettlements(_ context.Context, f SettlementFilter) ([]*Settlement, int, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	m.mu.Lock()
	all := m.settlementsSince(f.Since)
	m.mu.Unlock()

	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := min(f.Offset+f.Limit, total)
	return all[f.Offset:end], total, nil
}

func (m *MemoryStore) SummarizeSettlements(_ context.Context, since *time.Time) (settlement.Summary, error) {
	m.mu.Lock()
	all := m.settlementsSince(since)
	m.mu.Unlock()

	items := make([]settlement.Breakdown, len(all))
	for i, s := range all {
		items[i] = s.Breakdown
	}
	return settlement.Summarize(items), nil
}

func (m *MemoryStore) AppendLog(_ context.Context, transactionID string, kind LogType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payment_log: %w", err)
		}
		raw = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, PaymentLog{
		ID:            int64(len(m.logs) + 1),
		TransactionID: transactionID,
		LogType:       kind,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
	})
	return nil
}

func (m *MemoryStore) Logs(_ context.Context, transactionID string) ([]PaymentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PaymentLog
	for _, l := range m.logs {
		if l.TransactionID == transactionID {
			out = append(out, l)
		}
	}
	return out, nil
}
