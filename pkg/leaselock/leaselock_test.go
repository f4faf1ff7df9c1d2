package leaselock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type lockRow struct {
	holder  string
	expires time.Time
}

// fakeDB mimics the lock statements against a map.
type fakeDB struct {
	mu    sync.Mutex
	locks map[string]lockRow
	now   time.Time
}

func newFakeDB() *fakeDB {
	return &fakeDB{locks: make(map[string]lockRow), now: time.Unix(1_700_000_000, 0)}
}

type fakeRow struct {
	key string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.key
	return nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, token := args[0].(string), args[1].(string)
	ttl := time.Duration(args[2].(int64)) * time.Millisecond
	cur, held := f.locks[key]

	switch sql {
	case tryAcquireSQL:
		if held && cur.expires.After(f.now) && cur.holder != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
	case renewSQL:
		if !held || cur.holder != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
	}
	f.locks[key] = lockRow{holder: token, expires: f.now.Add(ttl)}
	return fakeRow{key: key}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, token := args[0].(string), args[1].(string)
	if cur, ok := f.locks[key]; ok && cur.holder == token {
		delete(f.locks, key)
	}
	return pgconn.NewCommandTag("DELETE 1"), nil
}

func (f *fakeDB) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestAcquireIsExclusive(t *testing.T) {
	db := newFakeDB()
	c := New(db)
	ctx := context.Background()

	first, err := c.Acquire(ctx, "writer", Options{TTL: time.Minute, Holder: "a"})
	if err != nil {
		t.Fatalf("expected lease, got %v", err)
	}
	if _, err := c.Acquire(ctx, "writer", Options{TTL: time.Minute, Holder: "b"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := c.Acquire(ctx, "other", Options{TTL: time.Minute}); err != nil {
		t.Fatalf("expected independent key to be free, got %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
	if first.Context.Err() == nil {
		t.Fatalf("expected released lease context to end")
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("expected second release to be harmless, got %v", err)
	}
	if _, err := c.Acquire(ctx, "writer", Options{TTL: time.Minute, Holder: "b"}); err != nil {
		t.Fatalf("expected lock to be free after release, got %v", err)
	}
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	db := newFakeDB()
	c := New(db)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, "writer", Options{TTL: time.Minute, RenewEvery: time.Hour}); err != nil {
		t.Fatalf("expected lease, got %v", err)
	}
	db.advance(2 * time.Minute)
	if _, err := c.Acquire(ctx, "writer", Options{TTL: time.Minute}); err != nil {
		t.Fatalf("expected expired lease to be taken over, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	db := newFakeDB()
	c := New(db)
	if _, err := c.Acquire(context.Background(), "writer", Options{TTL: time.Minute}); err != nil {
		t.Fatalf("expected lease, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx, "writer", Options{TTL: time.Minute, Wait: true, WaitInterval: 10 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLostLeaseCancelsContext(t *testing.T) {
	db := newFakeDB()
	c := New(db)
	lease, err := c.Acquire(context.Background(), "writer", Options{TTL: 3 * time.Second, RenewEvery: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected lease, got %v", err)
	}

	db.mu.Lock()
	db.locks["writer"] = lockRow{holder: "someone-else", expires: db.now.Add(time.Hour)}
	db.mu.Unlock()

	select {
	case <-lease.Context.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected lease context to end after losing the lock")
	}
	if cause := context.Cause(lease.Context); !errors.Is(cause, ErrLost) {
		t.Fatalf("expected ErrLost cause, got %v", cause)
	}
}
