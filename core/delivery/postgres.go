package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/backstage-idp/eventcore/integration/database/pg"
)

// PostgresStore implements DestinationStore on a pgx pool. The table is
// created by the embedded migrations in integration/database/pg.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an established pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// executor returns the caller's transaction when one travels in ctx, so
// destination writes can join an outer transaction.
func (s *PostgresStore) executor(ctx context.Context) pgExecutor {
	if tx, ok := pg.TxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

// Save upserts the destination.
func (s *PostgresStore) Save(ctx context.Context, dest Destination) error {
	headers, err := json.Marshal(dest.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	var rateLimit []byte
	if dest.RateLimit != nil {
		if rateLimit, err = json.Marshal(dest.RateLimit); err != nil {
			return fmt.Errorf("marshal rate limit: %w", err)
		}
	}

	_, err = s.executor(ctx).Exec(ctx, `
		INSERT INTO webhook_destinations
			(id, url, secret, events, headers, timeout_ms, max_retries, active, rate_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			secret = EXCLUDED.secret,
			events = EXCLUDED.events,
			headers = EXCLUDED.headers,
			timeout_ms = EXCLUDED.timeout_ms,
			max_retries = EXCLUDED.max_retries,
			active = EXCLUDED.active,
			rate_limit = EXCLUDED.rate_limit`,
		dest.ID, dest.URL, dest.Secret, dest.Events, headers,
		dest.Timeout.Milliseconds(), dest.MaxRetries, dest.Active, rateLimit, dest.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save destination %s: %w", dest.ID, err)
	}
	return nil
}

// Delete removes the destination row. Deleting an absent row is not an error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.executor(ctx).Exec(ctx, `DELETE FROM webhook_destinations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete destination %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every persisted destination.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]Destination, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, url, secret, events, headers, timeout_ms, max_retries, active, rate_limit, created_at
		FROM webhook_destinations
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	defer rows.Close()

	var destinations []Destination
	for rows.Next() {
		var (
			dest      Destination
			headers   []byte
			rateLimit []byte
			timeoutMs int64
		)
		if err := rows.Scan(&dest.ID, &dest.URL, &dest.Secret, &dest.Events, &headers,
			&timeoutMs, &dest.MaxRetries, &dest.Active, &rateLimit, &dest.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		dest.Timeout = time.Duration(timeoutMs) * time.Millisecond
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &dest.Headers); err != nil {
				return nil, fmt.Errorf("unmarshal headers for %s: %w", dest.ID, err)
			}
		}
		if len(rateLimit) > 0 {
			dest.RateLimit = &RateLimit{}
			if err := json.Unmarshal(rateLimit, dest.RateLimit); err != nil {
				return nil, fmt.Errorf("unmarshal rate limit for %s: %w", dest.ID, err)
			}
		}
		destinations = append(destinations, dest)
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	return destinations, nil
}
