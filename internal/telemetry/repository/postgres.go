package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"iot-dataflow/internal/telemetry/bucket"
	"iot-dataflow/internal/telemetry/domain"
)

// insertChunk bounds rows per INSERT to stay below the Postgres parameter limit.
const insertChunk = 1000

const insertColumns = 6

// PostgresRepository stores telemetry in the telemetry table created by the embedded migrations.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a telemetry store backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// InsertBatch writes records in one transaction. Rows that hit the dedup
// constraint are skipped and not counted.
func (r *PostgresRepository) InsertBatch(ctx context.Context, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifyPostgres(err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for start := 0; start < len(records); start += insertChunk {
		end := min(start+insertChunk, len(records))
		query, args, err := buildInsert(records[start:end])
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, classifyPostgres(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, classifyPostgres(err)
	}
	return inserted, nil
}

func buildInsert(records []domain.Record) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO telemetry (time, device_id, topic, payload, seq, metadata) VALUES ")
	args := make([]any, 0, len(records)*insertColumns)
	for i, rec := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * insertColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)

		payload, err := marshalObject(rec.Payload)
		if err != nil {
			return "", nil, fmt.Errorf("encode payload for %s: %w", rec.DeviceID, err)
		}
		metadata, err := marshalObject(rec.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("encode metadata for %s: %w", rec.DeviceID, err)
		}
		var seq sql.NullInt64
		if rec.Sequence != nil {
			seq = sql.NullInt64{Int64: *rec.Sequence, Valid: true}
		}
		args = append(args, rec.Time.UTC(), rec.DeviceID, rec.Topic, payload, seq, metadata)
	}
	b.WriteString(" ON CONFLICT ON CONSTRAINT telemetry_dedup DO NOTHING")
	return b.String(), args, nil
}

func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const rangeQuery = `SELECT time, device_id, topic, payload, seq, metadata
FROM telemetry
WHERE device_id = $1 AND time >= $2 AND time <= $3
ORDER BY time DESC, id DESC
LIMIT $4`

// QueryRange returns records with from <= time <= to, newest first.
func (r *PostgresRepository) QueryRange(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, rangeQuery, deviceID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			rec      domain.Record
			payload  []byte
			metadata []byte
			seq      sql.NullInt64
		)
		if err := rows.Scan(&rec.Time, &rec.DeviceID, &rec.Topic, &payload, &seq, &metadata); err != nil {
			return nil, err
		}
		rec.Time = rec.Time.UTC()
		if rec.Payload, err = unmarshalObject(payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if rec.Metadata, err = unmarshalObject(metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if seq.Valid {
			s := seq.Int64
			rec.Sequence = &s
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return out, nil
}

func unmarshalObject(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// bucketQuery groups numeric payload members into epoch-aligned windows.
// $4 is the window width in microseconds. %s is the upper bound operator.
const bucketQuery = `SELECT
	to_timestamp(floor(extract(epoch FROM t.time) * 1000000 / $4) * $4 / 1000000.0) AS window_start,
	m.key AS metric,
	count(*) AS n,
	sum((m.value #>> '{}')::numeric)::text AS total,
	min((m.value #>> '{}')::float8) AS lo,
	max((m.value #>> '{}')::float8) AS hi
FROM telemetry t
CROSS JOIN LATERAL jsonb_each(t.payload) AS m(key, value)
WHERE t.device_id = $1 AND t.time >= $2 AND t.time %s $3
	AND jsonb_typeof(m.value) = 'number'
GROUP BY 1, 2
ORDER BY 1, 2`

// QueryBucketed pushes windowing and aggregation down to Postgres.
// Widths finer than a microsecond cannot be expressed and are rejected.
func (r *PostgresRepository) QueryBucketed(ctx context.Context, q BucketQuery) ([]bucket.Partial, error) {
	widthMicros := q.Width.Microseconds()
	if widthMicros <= 0 || q.Width%time.Microsecond != 0 {
		return nil, domain.NewValidationError("width", "must be a whole number of microseconds")
	}
	op := "<"
	if q.ToInclusive {
		op = "<="
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(bucketQuery, op), q.DeviceID, q.From.UTC(), q.To.UTC(), widthMicros)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()

	var out []bucket.Partial
	for rows.Next() {
		var (
			p     bucket.Partial
			total string
		)
		if err := rows.Scan(&p.WindowStart, &p.Metric, &p.Count, &total, &p.Min, &p.Max); err != nil {
			return nil, err
		}
		p.WindowStart = p.WindowStart.UTC()
		if p.Sum, err = bucket.SumFromString(total); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return out, nil
}

// HealthCheck pings the database.
func (r *PostgresRepository) HealthCheck(ctx context.Context) error {
	return classifyPostgres(r.db.PingContext(ctx))
}

// Close closes the underlying pool.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func classifyPostgres(err error) error {
	return connectivity("postgres", err, func(err error) bool {
		var connErr *pgconn.ConnectError
		return errors.As(err, &connErr) || errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err)
	})
}
