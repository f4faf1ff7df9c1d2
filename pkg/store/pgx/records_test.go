package pgx

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/store"
	"github.com/casetrace/backend/pkg/store/storetest"
)

func TestScanQuery(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 1500, time.UTC)
	tests := []struct {
		name     string
		filter   store.Filter
		wantSQL  string
		wantArgs int
	}{
		{
			name:    "no filter",
			filter:  store.Filter{},
			wantSQL: "SELECT body FROM records ORDER BY id",
		},
		{
			name: "types and range",
			filter: store.Filter{
				Types: []common.RecordType{common.RecordCall},
				From:  from,
				To:    from.Add(time.Hour),
			},
			wantSQL:  "SELECT body FROM records WHERE type = ANY($1) AND ts >= $2 AND ts <= $3 ORDER BY id",
			wantArgs: 3,
		},
		{
			name:     "source files only",
			filter:   store.Filter{SourceFiles: []string{"a.txt"}},
			wantSQL:  "SELECT body FROM records WHERE source_file = ANY($1) ORDER BY id",
			wantArgs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := scanQuery(tt.filter)
			if sql != tt.wantSQL {
				t.Fatalf("expected %q, got %q", tt.wantSQL, sql)
			}
			if len(args) != tt.wantArgs {
				t.Fatalf("expected %d args, got %d", tt.wantArgs, len(args))
			}
		})
	}
}

func TestScanQueryRoundsOutward(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 1500, time.UTC)
	_, args := scanQuery(store.Filter{From: from, To: from})
	lo := args[0].(time.Time)
	hi := args[1].(time.Time)
	if lo.After(from) || hi.Before(from) {
		t.Fatalf("expected [%v, %v] to contain %v", lo, hi, from)
	}
	if !reflect.DeepEqual(lo, lo.Truncate(time.Microsecond)) {
		t.Fatalf("expected microsecond precision, got %v", lo)
	}
}

// Set CASETRACE_TEST_DATABASE_URL to a disposable database with pgvector
// installed to run the contract against postgres.
func TestPgRecordStoreContract(t *testing.T) {
	url := os.Getenv("CASETRACE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CASETRACE_TEST_DATABASE_URL not set")
	}
	storetest.Run(t, func(t *testing.T) store.RecordStore {
		s, err := NewPgRecordStore(context.Background(), url)
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		if _, err := s.conn.Exec(context.Background(), "TRUNCATE records CASCADE"); err != nil {
			t.Fatalf("truncate failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
