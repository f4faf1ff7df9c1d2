package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/leaselock"
	"github.com/casetrace/backend/pkg/logger"
	"github.com/casetrace/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Connect opens a pool with the pgvector types registered on every
// connection.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return pool, nil
}

// PgRecordStore keeps records in PostgreSQL. The full record is stored as
// its JSON encoding so that the content hash survives the round trip;
// the remaining columns only serve filtering.
type PgRecordStore struct {
	conn  pgxIConn
	close func()
	lease *leaselock.Lease
}

var (
	_ store.RecordStore = (*PgRecordStore)(nil)
	_ store.VectorCache = (*PgRecordStore)(nil)
)

// NewPgRecordStoreWithConnection wraps an existing connection or pool. Close
// only closes pools it was handed through NewPgRecordStore.
func NewPgRecordStoreWithConnection(conn pgxIConn) *PgRecordStore {
	return &PgRecordStore{conn: conn}
}

// NewPgRecordStore runs pending migrations and connects.
func NewPgRecordStore(ctx context.Context, databaseURL string) (*PgRecordStore, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}
	pool, err := Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &PgRecordStore{conn: pool, close: pool.Close}, nil
}

const insertRecordSQL = `
INSERT INTO records (id, source_file, line_start, line_end, ts, type, raw_text, body, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

const selectRecordSQL = `SELECT body FROM records WHERE id = $1`

func (s *PgRecordStore) Put(ctx context.Context, rec common.Record) (common.Record, store.PutStatus, error) {
	rec, err := store.Prepare(rec)
	if err != nil {
		return common.Record{}, 0, err
	}
	rec.IngestedAt = time.Now().UTC()
	body, err := json.Marshal(rec)
	if err != nil {
		return common.Record{}, 0, err
	}

	tag, err := s.conn.Exec(ctx, insertRecordSQL,
		string(rec.ID),
		rec.SourceFile,
		rec.Lines.Start,
		rec.Lines.End,
		rec.Timestamp,
		string(rec.Type),
		util.SanitizePostgresText(rec.RawText),
		body,
		rec.IngestedAt,
	)
	if err != nil {
		return common.Record{}, 0, fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return rec, store.Stored, nil
	}

	existing, err := s.load(ctx, rec.ID)
	if err != nil {
		return common.Record{}, 0, err
	}
	return existing, store.Duplicate, nil
}

func (s *PgRecordStore) load(ctx context.Context, id common.RecordID) (common.Record, error) {
	var body []byte
	err := s.conn.QueryRow(ctx, selectRecordSQL, string(id)).Scan(&body)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.Record{}, fmt.Errorf("record %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return common.Record{}, err
	}
	var rec common.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return common.Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

func (s *PgRecordStore) Get(ctx context.Context, id common.RecordID) (common.Record, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return common.Record{}, err
	}
	if err := store.VerifyID(rec); err != nil {
		return common.Record{}, err
	}
	return rec, nil
}

// scanQuery pushes the column filters into SQL. Scope is still checked in
// Go since prefix matching does not map onto a single predicate.
func scanQuery(filter store.Filter) (string, []any) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		where = append(where, "type = ANY("+arg(types)+")")
	}
	if len(filter.SourceFiles) > 0 {
		where = append(where, "source_file = ANY("+arg(filter.SourceFiles)+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "ts >= "+arg(filter.From.UTC().Truncate(time.Microsecond)))
	}
	if !filter.To.IsZero() {
		where = append(where, "ts <= "+arg(filter.To.UTC().Add(time.Microsecond).Truncate(time.Microsecond)))
	}

	sql := "SELECT body FROM records"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	return sql + " ORDER BY id", args
}

func (s *PgRecordStore) Scan(ctx context.Context, filter store.Filter) iter.Seq2[common.Record, error] {
	return func(yield func(common.Record, error) bool) {
		sql, args := scanQuery(filter)
		rows, err := s.conn.Query(ctx, sql, args...)
		if err != nil {
			yield(common.Record{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				yield(common.Record{}, err)
				return
			}
			var rec common.Record
			if err := json.Unmarshal(body, &rec); err != nil {
				yield(common.Record{}, err)
				return
			}
			// Microsecond rounding in SQL may admit records just outside
			// the range.
			if !filter.Match(&rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(common.Record{}, err)
		}
	}
}

func (s *PgRecordStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRow(ctx, "SELECT count(*) FROM records").Scan(&n)
	return n, err
}

// writerLockKey names the lease held by the one process allowed to append
// records and audit entries to a database.
const writerLockKey = "casetrace:writer"

// AcquireWriter takes the writer lease for this database. The lease is
// released by Close.
func (s *PgRecordStore) AcquireWriter(ctx context.Context, opts leaselock.Options) error {
	lease, err := leaselock.New(s.conn).Acquire(ctx, writerLockKey, opts)
	if err != nil {
		return fmt.Errorf("failed to acquire writer lease: %w", err)
	}
	s.lease = lease
	logger.Info("[Store] Acquired writer lease", "token", lease.Token)
	return nil
}

func (s *PgRecordStore) Close() error {
	if s.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.lease.Release(ctx); err != nil {
			logger.Warn("[Store] Failed to release writer lease", "err", err)
		}
		cancel()
		s.lease = nil
	}
	if s.close != nil {
		s.close()
		logger.Debug("[Store] Closed postgres pool")
	}
	return nil
}
