package pgx

import (
	"context"
	"encoding/json"

	"github.com/casetrace/backend/pkg/audit"
)

// PgAuditSink persists the chain of custody. The primary key on seq rejects
// a second entry for the same position.
type PgAuditSink struct {
	conn pgxIConn
}

var _ audit.Sink = (*PgAuditSink)(nil)

func NewPgAuditSink(conn pgxIConn) *PgAuditSink {
	return &PgAuditSink{conn: conn}
}

func (s *PgAuditSink) AppendEntry(ctx context.Context, e audit.Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO audit_entries (seq, entry_id, operation, actor, created_at, entry)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(e.Seq), e.ID, string(e.Operation), e.Actor, e.Time, body,
	)
	return err
}

func (s *PgAuditSink) LoadEntries(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.conn.Query(ctx, "SELECT entry FROM audit_entries ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e audit.Entry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AuditSink returns a sink sharing the store's connection.
func (s *PgRecordStore) AuditSink() *PgAuditSink {
	return NewPgAuditSink(s.conn)
}
