package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink persists cost entries for offline reporting. Writes are
// guarded by a failure circuit breaker: when the database is down the sink
// sheds writes instead of stacking goroutines on a dead connection. The
// in-memory ledger stays authoritative for admission control either way.
type PostgresSink struct {
	db DB
	cb *gobreaker.CircuitBreaker
}

func NewPostgresSink(db DB) *PostgresSink {
	settings := gobreaker.Settings{
		Name:     "ledger-postgres",
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &PostgresSink{
		db: db,
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		query := `
			INSERT INTO cost_entries (recorded_at, provider, model, tier, input_tokens, output_tokens, cost_usd, user_id, request_id, operation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		_, err := s.db.Exec(ctx, query,
			e.Timestamp, e.Provider, e.Model, string(e.Tier),
			e.InputTokens, e.OutputTokens, e.CostUSD,
			e.UserID, e.RequestID, e.Operation,
		)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to persist cost entry: %w", err)
	}
	return nil
}
