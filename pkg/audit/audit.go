// Package audit implements the chain-of-custody log. Entries are immutable,
// hash-chained through their predecessor and HMAC signed, so any edit or
// removal of a past entry is detected by Verify.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/logger"
)

type Operation string

const (
	OpRecordPut      Operation = "record.put"
	OpMergeCandidate Operation = "entity.merge_candidate"
	OpMergeConfirmed Operation = "entity.merge_confirmed"
	OpMergeRejected  Operation = "entity.merge_rejected"
	OpEdgeUpsert     Operation = "graph.edge_upsert"
	OpIndexRebuild   Operation = "index.rebuild"
	OpQuery          Operation = "query.run"
)

const (
	SystemActor   = "system"
	genesisHash   = ""
	entryIDPrefix = "aud"
)

// Entry is one link of the chain.
type Entry struct {
	Seq         uint64            `json:"seq"`
	ID          string            `json:"id"`
	Time        time.Time         `json:"time"`
	Actor       string            `json:"actor"`
	Operation   Operation         `json:"operation"`
	AffectedIDs []string          `json:"affected_ids"`
	Details     map[string]string `json:"details,omitempty"`
	PrevHash    string            `json:"prev_hash"`
	Hash        string            `json:"hash"`
	Signature   string            `json:"signature"`
}

type hashedBody struct {
	Seq         uint64            `json:"seq"`
	ID          string            `json:"id"`
	Time        string            `json:"time"`
	Actor       string            `json:"actor"`
	Operation   Operation         `json:"operation"`
	AffectedIDs []string          `json:"affected_ids"`
	Details     map[string]string `json:"details,omitempty"`
	PrevHash    string            `json:"prev_hash"`
}

func (e *Entry) body() ([]byte, error) {
	return json.Marshal(hashedBody{
		Seq:         e.Seq,
		ID:          e.ID,
		Time:        e.Time.UTC().Format(time.RFC3339Nano),
		Actor:       e.Actor,
		Operation:   e.Operation,
		AffectedIDs: e.AffectedIDs,
		Details:     e.Details,
		PrevHash:    e.PrevHash,
	})
}

// Sink persists entries outside the process.
type Sink interface {
	AppendEntry(ctx context.Context, e Entry) error
	LoadEntries(ctx context.Context) ([]Entry, error)
}

// Log is the in-process chain. It is safe for concurrent use; appends are
// serialized so the chain has a single order.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	key     []byte
	sink    Sink
	now     func() time.Time
}

type NewLogParams struct {
	SigningKey []byte
	Sink       Sink
	Now        func() time.Time
}

// NewLog creates an empty chain. Without a signing key an ephemeral random
// key is generated, which makes the chain verifiable only for the lifetime
// of the process.
func NewLog(params NewLogParams) *Log {
	key := params.SigningKey
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(err)
		}
		logger.Warn("[Audit] No signing key configured, using an ephemeral key")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Log{key: key, sink: params.Sink, now: now}
}

// Restore loads the persisted chain from the sink and verifies it before
// accepting it.
func (l *Log) Restore(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}
	entries, err := l.sink.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load audit chain: %w", err)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	if err := VerifyEntries(entries, l.key); err != nil {
		return err
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	logger.Info("[Audit] Restored chain", "entries", len(entries))
	return nil
}

// Append adds an entry for op performed by actor.
func (l *Log) Append(
	ctx context.Context,
	actor string,
	op Operation,
	affected []string,
	details map[string]string,
) (Entry, error) {
	if Replaying(ctx) {
		return Entry{}, nil
	}
	if actor == "" {
		actor = SystemActor
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	e := Entry{
		Seq:         uint64(len(l.entries)) + 1,
		ID:          util.NewID(entryIDPrefix),
		Time:        l.now().UTC(),
		Actor:       actor,
		Operation:   op,
		AffectedIDs: slices.Clone(affected),
		Details:     details,
		PrevHash:    prev,
	}
	if e.AffectedIDs == nil {
		e.AffectedIDs = []string{}
	}
	if err := seal(&e, l.key); err != nil {
		return Entry{}, err
	}

	if l.sink != nil {
		if err := l.sink.AppendEntry(ctx, e); err != nil {
			return Entry{}, fmt.Errorf("failed to persist audit entry: %w", err)
		}
	}
	l.entries = append(l.entries, e)
	return e, nil
}

// Query selects entries from a List call.
type Query struct {
	Operation Operation
	Affected  string
	Offset    int
	Limit     int
}

// List returns matching entries in chain order.
func (l *Log) List(q Query) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	skipped := 0
	for _, e := range l.entries {
		if q.Operation != "" && e.Operation != q.Operation {
			continue
		}
		if q.Affected != "" && !slices.Contains(e.AffectedIDs, q.Affected) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify checks the whole chain held by l.
func (l *Log) Verify() error {
	l.mu.RLock()
	entries := slices.Clone(l.entries)
	l.mu.RUnlock()
	return VerifyEntries(entries, l.key)
}

// ChainError locates the first broken link.
type ChainError struct {
	Seq    uint64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d: %s", e.Seq, e.Reason)
}

// VerifyEntries checks sequence numbers, predecessor links, hashes and
// signatures of an ordered chain.
func VerifyEntries(entries []Entry, key []byte) error {
	prev := genesisHash
	for i := range entries {
		e := &entries[i]
		if e.Seq != uint64(i)+1 {
			return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected sequence %d", i+1)}
		}
		if e.PrevHash != prev {
			return &ChainError{Seq: e.Seq, Reason: "previous hash mismatch"}
		}
		body, err := e.body()
		if err != nil {
			return &ChainError{Seq: e.Seq, Reason: err.Error()}
		}
		sum := sha256.Sum256(body)
		if hex.EncodeToString(sum[:]) != e.Hash {
			return &ChainError{Seq: e.Seq, Reason: "hash mismatch"}
		}
		if !hmac.Equal([]byte(sign(key, body)), []byte(e.Signature)) {
			return &ChainError{Seq: e.Seq, Reason: "signature verification failed"}
		}
		prev = e.Hash
	}
	return nil
}

func seal(e *Entry, key []byte) error {
	body, err := e.body()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	e.Hash = hex.EncodeToString(sum[:])
	e.Signature = sign(key, body)
	return nil
}

func sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type actorKey struct{}

// WithActor attaches the acting user or component to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}

type replayKey struct{}

// WithReplay marks ctx as re-deriving state from records that were already
// audited when first stored. Append is a no-op under such a context.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

func Replaying(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}
