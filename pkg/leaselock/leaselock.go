// Package leaselock provides expiring named locks kept in PostgreSQL. A
// holder renews its lease in the background; when renewal fails the lease
// context is cancelled with the cause.
package leaselock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrBusy = errors.New("lease lock busy")
	ErrLost = errors.New("lease lock lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Client struct {
	db dbConn
}

type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	// Wait polls until the lock frees up instead of returning ErrBusy.
	Wait         bool
	WaitInterval time.Duration

	// Holder prefixes the lease token so lock rows name their owner.
	Holder string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = time.Minute
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/3, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 500 * time.Millisecond
	}
	if o.Holder == "" {
		o.Holder = "lease"
	}
	return o
}

type Lease struct {
	Key   string
	Token string

	// Context ends when the lease is released or lost.
	Context context.Context

	client *Client
	ttl    time.Duration
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(db dbConn) *Client {
	return &Client{db: db}
}

// Acquire takes the lock named key. An expired lease held by someone else
// is taken over.
func (c *Client) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, errors.New("lease lock key is empty")
	}
	opts = opts.withDefaults()
	token := util.NewID(opts.Holder)

	for {
		ok, err := c.try(ctx, tryAcquireSQL, key, token, opts.TTL)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		t := time.NewTimer(opts.WaitInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	leaseCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	l := &Lease{
		Key:     key,
		Token:   token,
		Context: leaseCtx,
		client:  c,
		ttl:     opts.TTL,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go l.renewLoop(opts.RenewEvery)
	return l, nil
}

// try runs a statement returning the key on success and no row otherwise.
func (c *Client) try(ctx context.Context, sql, key, token string, ttl time.Duration) (bool, error) {
	var got string
	err := c.db.QueryRow(ctx, sql, key, token, ttl.Milliseconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == key, nil
}

// Release stops renewal and frees the lock. It is safe to call more than
// once.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopped)
		l.cancel(context.Canceled)
	})
	_, err := l.client.db.Exec(ctx, releaseSQL, l.Key, l.Token)
	return err
}

func (l *Lease) renewLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-l.stopped:
			return
		case <-t.C:
			if err := l.renew(); err != nil {
				select {
				case <-l.stopped:
					return
				default:
				}
				logger.Error("[Lease] Lost lock", "key", l.Key, "err", err)
				l.cancel(err)
				return
			}
		}
	}
}

func (l *Lease) renew() error {
	backoff := util.Backoff{MaxTries: 3, Initial: 200 * time.Millisecond, Max: time.Second, Multiplier: 2}
	_, err := util.RetryWithBackoff(l.Context, backoff, isLost, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		ok, err := l.client.try(ctx, renewSQL, l.Key, l.Token, l.ttl)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, ErrLost
		}
		return struct{}{}, nil
	})
	return err
}

func isLost(err error) bool {
	return errors.Is(err, ErrLost)
}

const tryAcquireSQL = `
INSERT INTO casetrace_locks (lock_key, locked_by, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET locked_by  = EXCLUDED.locked_by,
    expires_at = EXCLUDED.expires_at
WHERE casetrace_locks.expires_at < now()
   OR casetrace_locks.locked_by = EXCLUDED.locked_by
RETURNING lock_key;
`

const renewSQL = `
UPDATE casetrace_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key;
`

const releaseSQL = `
DELETE FROM casetrace_locks
WHERE lock_key = $1 AND locked_by = $2;
`
