package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/thriftgate/thriftgate/internal/accounting"
)

// DB is the slice of pgx the store needs. *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the cost_records table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cost_records (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			provider TEXT NOT NULL,
			tokens_in BIGINT NOT NULL,
			tokens_out BIGINT NOT NULL,
			actual_cost_usd DOUBLE PRECISION NOT NULL,
			baseline_cost_usd DOUBLE PRECISION NOT NULL,
			savings_usd DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure cost_records schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec *accounting.Record) error {
	query := `
		INSERT INTO cost_records (request_id, provider, tokens_in, tokens_out, actual_cost_usd, baseline_cost_usd, savings_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		rec.RequestID, rec.Provider, rec.TokensIn, rec.TokensOut,
		rec.ActualCostUSD, rec.BaselineCostUSD, rec.SavingsUSD, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append cost record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecords(ctx context.Context, from, to time.Time) ([]*accounting.Record, error) {
	query := `
		SELECT request_id, provider, tokens_in, tokens_out, actual_cost_usd, baseline_cost_usd, savings_usd, created_at
		FROM cost_records
		WHERE created_at BETWEEN $1 AND $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost records: %w", err)
	}
	defer rows.Close()

	var records []*accounting.Record
	for rows.Next() {
		var r accounting.Record
		err := rows.Scan(
			&r.RequestID, &r.Provider, &r.TokensIn, &r.TokensOut,
			&r.ActualCostUSD, &r.BaselineCostUSD, &r.SavingsUSD, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) GetTotalSavings(ctx context.Context, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(savings_usd), 0)
		FROM cost_records
		WHERE created_at BETWEEN $1 AND $2
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total savings: %w", err)
	}

	return total, nil
}
