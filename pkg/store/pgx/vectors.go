package pgx

import (
	"context"
	"errors"

	"github.com/casetrace/backend/pkg/common"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

func (s *PgRecordStore) LoadVector(ctx context.Context, id common.RecordID, model string) ([]float32, bool, error) {
	var vec pgvector.Vector
	err := s.conn.QueryRow(ctx,
		"SELECT embedding FROM record_vectors WHERE record_id = $1 AND model = $2",
		string(id), model,
	).Scan(&vec)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return vec.Slice(), true, nil
}

func (s *PgRecordStore) SaveVector(ctx context.Context, id common.RecordID, model string, vec []float32) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO record_vectors (record_id, model, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (record_id, model) DO UPDATE SET embedding = EXCLUDED.embedding`,
		string(id), model, pgvector.NewVector(vec),
	)
	return err
}
