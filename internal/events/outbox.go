package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"bookpay/internal/infra/dbx"
)

type Outbox interface {
	// Save records evt. It returns false when an event of the same type
	// already exists for the transaction.
	Save(ctx context.Context, evt Event) (bool, error)
	FindUnpublished(ctx context.Context, limit, maxAttempts int) ([]Event, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Get(ctx context.Context, transactionID string, t Type) (*Event, error)
}

type OutboxRepository struct{ q dbx.Querier }

func NewOutboxRepository(q dbx.Querier) *OutboxRepository { return &OutboxRepository{q: q} }

func (r *OutboxRepository) Save(ctx context.Context, evt Event) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO payment_events (id, type, transaction_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id, type) DO NOTHING
	`, evt.ID, string(evt.Type), evt.TransactionID, []byte(evt.Payload), evt.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment_event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const eventColumns = `id, type, transaction_id, payload, created_at, published_at, attempts, last_error`

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e   Event
		typ string
	)
	err := row.Scan(&e.ID, &typ, &e.TransactionID, &e.Payload, &e.CreatedAt, &e.PublishedAt, &e.Attempts, &e.LastError)
	e.Type = Type(typ)
	return e, err
}

func (r *OutboxRepository) FindUnpublished(ctx context.Context, limit, maxAttempts int) ([]Event, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+eventColumns+`
		FROM payment_events
		WHERE published_at IS NULL AND attempts < $2
		ORDER BY created_at ASC
		LIMIT $1
	`, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment_event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE payment_events
		   SET published_at=$2, attempts=attempts+1, last_error=NULL
		 WHERE id=$1 AND published_at IS NULL
	`, id, at)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE payment_events SET attempts=attempts+1, last_error=$2 WHERE id=$1
	`, id, reason)
	return err
}

func (r *OutboxRepository) Get(ctx context.Context, transactionID string, t Type) (*Event, error) {
	e, err := scanEvent(r.q.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM payment_events WHERE transaction_id=$1 AND type=$2
	`, transactionID, string(t)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment_event: %w", err)
	}
	return &e, nil
}

// MemoryOutbox keeps events in process. The in-memory ledger writes to it
// under its own lock so a transition and its event appear together.
type MemoryOutbox struct {
	mu     sync.Mutex
	events []*Event
}

func NewMemoryOutbox() *MemoryOutbox { return &MemoryOutbox{} }

func (m *MemoryOutbox) Save(ctx context.Context, evt Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.TransactionID == evt.TransactionID && e.Type == evt.Type {
			return false, nil
		}
	}
	e := evt
	m.events = append(m.events, &e)
	return true, nil
}

func (m *MemoryOutbox) FindUnpublished(_ context.Context, limit, maxAttempts int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.PublishedAt == nil && e.Attempts < maxAttempts {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOutbox) MarkPublished(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id && e.PublishedAt == nil {
			t := at
			e.PublishedAt = &t
			e.Attempts++
			e.LastError = nil
		}
	}
	return nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			r := reason
			e.Attempts++
			e.LastError = &r
		}
	}
	return nil
}

func (m *MemoryOutbox) Get(_ context.Context, transactionID string, t Type) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.TransactionID == transactionID && e.Type == t {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

// All returns a copy of every recorded event, in insertion order.
func (m *MemoryOutbox) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, *e)
	}
	return out
}

// Count returns how many events of type t exist for the transaction.
func (m *MemoryOutbox) Count(transactionID string, t Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.TransactionID == transactionID && e.Type == t {
			n++
		}
	}
	return n
}
