package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inference-sim/autotune/tune"
)

const schema = `CREATE TABLE IF NOT EXISTS autotune_records (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	params      JSONB NOT NULL,
	performance JSONB NOT NULL,
	fitness     DOUBLE PRECISION NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	backup      TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres is a Ledger in a shared database, scoped to one session id.
type Postgres struct {
	pool    *pgxpool.Pool
	session string
	fields  tune.Fields
}

// NewPostgres connects, ensures the table exists and starts a session.
// An empty session id generates one.
func NewPostgres(ctx context.Context, connString, session string, fields tune.Fields) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create autotune_records: %w", err)
	}
	if session == "" {
		session = uuid.NewString()
	}
	return &Postgres{pool: pool, session: session, fields: fields}, nil
}

// Session is the id rows are written under.
func (p *Postgres) Session() string { return p.session }

func (p *Postgres) Save(ctx context.Context, rec tune.Record) error {
	params, perf, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO autotune_records (session_id, params, performance, fitness, error, backup, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.session, params, perf, rec.Fitness, rec.Error, rec.Backup, rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context) ([]tune.Record, error) {
	return p.query(ctx,
		`SELECT params, performance, fitness, error, backup, duration_ms
		 FROM autotune_records WHERE session_id = $1 ORDER BY id`, p.session)
}

func (p *Postgres) Best(ctx context.Context, k int) ([]tune.Record, error) {
	return p.query(ctx,
		`SELECT params, performance, fitness, error, backup, duration_ms
		 FROM autotune_records
		 WHERE session_id = $1 AND fitness < 'Infinity'::float8
		 ORDER BY fitness, id LIMIT $2`, p.session, k)
}

func (p *Postgres) query(ctx context.Context, sql string, args ...any) ([]tune.Record, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []tune.Record
	for rows.Next() {
		var params, perf []byte
		var rec tune.Record
		var ms int64
		if err := rows.Scan(&params, &perf, &rec.Fitness, &rec.Error, &rec.Backup, &ms); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := decodeRecord(params, perf, p.fields, &rec); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// encodeRecord renders params and performance as JSON objects. NaN becomes null.
func encodeRecord(rec tune.Record) ([]byte, []byte, error) {
	params := make(map[string]float64, len(rec.Params))
	for _, a := range rec.Params {
		params[a.Name] = a.Value
	}
	perf := make(map[string]*float64, len(tune.PerformanceColumns))
	for i, v := range rec.Perf.Values() {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			v := v
			perf[tune.PerformanceColumns[i]] = &v
		} else {
			perf[tune.PerformanceColumns[i]] = nil
		}
	}
	pj, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("encode params: %w", err)
	}
	fj, err := json.Marshal(perf)
	if err != nil {
		return nil, nil, fmt.Errorf("encode performance: %w", err)
	}
	return pj, fj, nil
}

func decodeRecord(params, perf []byte, fields tune.Fields, rec *tune.Record) error {
	var pm map[string]float64
	if err := json.Unmarshal(params, &pm); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	values := make([]float64, len(fields))
	for i, f := range fields {
		values[i] = pm[f.Name]
	}
	rec.Params = tune.ParamsFromValues(values, fields)

	var fm map[string]*float64
	if err := json.Unmarshal(perf, &fm); err != nil {
		return fmt.Errorf("decode performance: %w", err)
	}
	row := make(map[string]string, len(fm))
	for k, v := range fm {
		if v != nil {
			row[k] = tune.FormatFloat(*v)
		}
	}
	rec.Perf = tune.PerformanceIndexFromRow(row)
	return nil
}
