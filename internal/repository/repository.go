package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/gas-metering-client/internal/db"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveCredential upserts the credential blob for an account
func (r *Repository) SaveCredential(ctx context.Context, userCode string, payload []byte) error {
	query := `
		INSERT INTO account_credentials (user_code, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_code)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query, userCode, payload, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the stored credential blob for an account, or
// nil when none has been saved yet
func (r *Repository) LoadCredential(ctx context.Context, userCode string) ([]byte, error) {
	query := `
		SELECT payload
		FROM account_credentials
		WHERE user_code = $1
	`

	var payload []byte
	err := r.pool.QueryRow(ctx, query, userCode).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return payload, nil
}

// DeleteCredential removes the stored credential blob for an account
func (r *Repository) DeleteCredential(ctx context.Context, userCode string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM account_credentials WHERE user_code = $1`, userCode)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// UpsertDailyReadings stores a batch of daily readings, overwriting any
// previously fetched record for the same day. The batch is applied in one
// transaction so a partial fetch never leaves a torn window.
func (r *Repository) UpsertDailyReadings(ctx context.Context, rows []db.DailyReadingRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO daily_readings (
			user_code, reading_date, meter_value, volume, fee, balance, fetched_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_code, reading_date)
		DO UPDATE SET
			meter_value = EXCLUDED.meter_value,
			volume = EXCLUDED.volume,
			fee = EXCLUDED.fee,
			balance = EXCLUDED.balance,
			fetched_at = EXCLUDED.fetched_at
	`

	for _, row := range rows {
		_, err := tx.Exec(ctx, query,
			row.UserCode,
			row.ReadingDate,
			row.MeterValue,
			row.Volume,
			row.Fee,
			row.Balance,
			row.FetchedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert daily reading: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit daily readings: %w", err)
	}
	return nil
}

// InsertSnapshot stores one aggregation result
func (r *Repository) InsertSnapshot(ctx context.Context, record *db.UsageSnapshotRecord) error {
	query := `
		INSERT INTO usage_snapshots (user_code, generated_at, payload, anomaly_count)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.pool.Exec(ctx, query,
		record.UserCode,
		record.GeneratedAt,
		record.Payload,
		record.AnomalyCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetReadingsSince returns stored readings from a date onward, oldest first
func (r *Repository) GetReadingsSince(ctx context.Context, userCode string, since time.Time) ([]db.DailyReadingRow, error) {
	query := `
		SELECT id, user_code, reading_date, meter_value, volume, fee, balance, fetched_at
		FROM daily_readings
		WHERE user_code = $1 AND reading_date >= $2
		ORDER BY reading_date ASC
	`

	rows, err := r.pool.Query(ctx, query, userCode, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []db.DailyReadingRow
	for rows.Next() {
		var row db.DailyReadingRow
		if err := rows.Scan(
			&row.ID,
			&row.UserCode,
			&row.ReadingDate,
			&row.MeterValue,
			&row.Volume,
			&row.Fee,
			&row.Balance,
			&row.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return out, nil
}
