package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close it.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Per-key transactional advisory locks serialize appends so sequence
//     allocation is strictly monotonic with no gaps under concurrency.
//
// Schema (managed externally):
//
//	<schema>.history_cursors(tenant, room, channel, next_seq, updated_at)
//	<schema>.history_entries(tenant, room, channel, seq, stored_at, envelope jsonb)
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	limits Limits
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema (default "arqonbus"). The name is validated
// and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("history: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("history: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs the Postgres backend.
func NewPostgresStore(pool *pgxpool.Pool, limits Limits, opts ...PostgresOption) (*PostgresStore, error) {
	if limits.DefaultLimit <= 0 {
		limits = DefaultLimits()
	}
	st := &PostgresStore{pool: pool, schema: "arqonbus", limits: limits}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("history: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) Backend() string { return "postgres" }

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Healthy checks that a connection can be acquired within a short deadline.
func (s *PostgresStore) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false
	}
	conn.Release()
	return true
}

// Append inserts the envelope under the next sequence number for the key.
func (s *PostgresStore) Append(ctx context.Context, key Key, env v1.Envelope, storedAt time.Time) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("history: encode envelope: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "history_cursors")
	entries := pgIdent(s.schema, "history_entries")

	// Serialize all writes per key so sequence allocation never races.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return 0, fmt.Errorf("%w: advisory lock: %v", ErrUnavailable, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (tenant, room, channel, next_seq)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (tenant, room, channel) DO NOTHING`,
		key.Tenant, key.Room, key.Channel,
	); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE tenant = $1 AND room = $2 AND channel = $3
		RETURNING (next_seq - 1)`,
		key.Tenant, key.Room, key.Channel,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+entries+` (tenant, room, channel, seq, stored_at, envelope)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.Tenant, key.Room, key.Channel, seq, storedAt, raw,
	); err != nil {
		return 0, fmt.Errorf("%w: insert entry: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return seq, nil
}

// RaiseSequenceFloor lifts the key's cursor so the next Append allocates
// above numbers assigned elsewhere (the failover ring) during an outage.
// The cursor column holds the next number to assign, hence floor+1.
func (s *PostgresStore) RaiseSequenceFloor(ctx context.Context, key Key, floor int64) error {
	if err := key.Validate(); err != nil {
		return err
	}
	cursors := pgIdent(s.schema, "history_cursors")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+cursors+` AS hc (tenant, room, channel, next_seq)
		 VALUES ($1, $2, $3, $4 + 1)
		 ON CONFLICT (tenant, room, channel) DO UPDATE
		    SET next_seq = GREATEST(hc.next_seq, EXCLUDED.next_seq),
		        updated_at = now()`,
		key.Tenant, key.Room, key.Channel, floor,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns entries in [SinceSeq, UntilSeq] ascending, bounded by limits.
func (s *PostgresStore) Get(ctx context.Context, key Key, in GetInput) ([]Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	limit := s.limits.Clamp(in.Limit)
	entries := pgIdent(s.schema, "history_entries")

	q := `SELECT seq, stored_at, envelope FROM ` + entries + `
	       WHERE tenant = $1 AND room = $2 AND channel = $3`
	args := []any{key.Tenant, key.Room, key.Channel}
	if in.SinceSeq != nil {
		args = append(args, *in.SinceSeq)
		q += fmt.Sprintf(" AND seq >= $%d", len(args))
	}
	if in.UntilSeq != nil {
		args = append(args, *in.UntilSeq)
		q += fmt.Sprintf(" AND seq <= $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d", len(args))

	return s.query(ctx, q, args)
}

// Replay reads the clamped time window, verifying continuity when strict.
func (s *PostgresStore) Replay(ctx context.Context, key Key, in ReplayInput) ([]Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	limit := s.limits.Clamp(in.Limit)
	from, to := s.limits.ClampWindow(in.From, in.To)
	entries := pgIdent(s.schema, "history_entries")

	out, err := s.query(ctx,
		`SELECT seq, stored_at, envelope FROM `+entries+`
		  WHERE tenant = $1 AND room = $2 AND channel = $3
		    AND stored_at >= $4 AND stored_at <= $5
		  ORDER BY seq ASC LIMIT $6`,
		[]any{key.Tenant, key.Room, key.Channel, from, to, limit},
	)
	if err != nil {
		return nil, err
	}
	if in.StrictSequence {
		if err := verifyContinuity(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args []any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e   Entry
			raw []byte
		)
		if err := rows.Scan(&e.Seq, &e.StoredAt, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := json.Unmarshal(raw, &e.Envelope); err != nil {
			return nil, fmt.Errorf("history: decode entry seq=%d: %w", e.Seq, err)
		}
		e.StoredAt = e.StoredAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
