package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bookpay/internal/infra/dbx"
)

type PaymentLog struct {
	ID            int64           `json:"id"`
	TransactionID string          `json:"transaction_id"`
	LogType       LogType         `json:"log_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type LogsRepository struct{ q dbx.Querier }

func NewLogsRepository(q dbx.Querier) *LogsRepository {
	return &LogsRepository{q: q}
}

func (r *LogsRepository) InsertPaymentLog(ctx context.Context, transactionID string, logType LogType, payload any) error {
	var jb []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			jb = b
		}
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO payment_logs (transaction_id, log_type, payload)
		VALUES ($1, $2, $3)
	`, transactionID, string(logType), jb)
	if err != nil {
		return fmt.Errorf("insert payment_log: %w", err)
	}
	return nil
}

func (r *LogsRepository) ListByTransaction(ctx context.Context, transactionID string) ([]PaymentLog, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, transaction_id, log_type, payload, created_at
		FROM payment_logs WHERE transaction_id=$1 ORDER BY id ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list payment_logs: %w", err)
	}
	defer rows.Close()

	var out []PaymentLog
	for rows.Next() {
		var (
			l   PaymentLog
			typ string
		)
		if err := rows.Scan(&l.ID, &l.TransactionID, &typ, &l.Payload, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment_log: %w", err)
		}
		l.LogType = LogType(typ)
		out = append(out, l)
	}
	return out, rows.Err()
}
