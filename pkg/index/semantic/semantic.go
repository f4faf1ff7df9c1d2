// Package semantic is an exact cosine nearest-neighbour index over record
// embeddings. It uses the same sharded copy-on-write scheme as the lexical
// index: writers mutate shard state, Publish swaps in immutable views.
package semantic

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/store"
)

const defaultShards = 16

var ErrZeroVector = errors.New("zero vector")

// Entry is a stored, L2-normalized embedding.
type Entry struct {
	Record       common.RecordID
	Vector       []float32
	ModelVersion string
}

type shard struct {
	mu      sync.Mutex
	entries map[common.RecordID]Entry
	dirty   bool
	view    atomic.Pointer[map[common.RecordID]Entry]
}

type Index struct {
	// meta guards dim and model.
	meta   sync.RWMutex
	dim    int
	model  string
	shards []*shard
}

func New(shards int) *Index {
	if shards <= 0 {
		shards = defaultShards
	}
	idx := &Index{shards: make([]*shard, shards)}
	for i := range idx.shards {
		sh := &shard{entries: make(map[common.RecordID]Entry)}
		empty := map[common.RecordID]Entry{}
		sh.view.Store(&empty)
		idx.shards[i] = sh
	}
	return idx
}

// Normalize returns vec scaled to unit length.
func Normalize(vec []float32) ([]float32, error) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, ErrZeroVector
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}

// Dimension is fixed by the first indexed vector. Zero means unset.
func (idx *Index) Dimension() int {
	idx.meta.RLock()
	defer idx.meta.RUnlock()
	return idx.dim
}

func (idx *Index) ModelVersion() string {
	idx.meta.RLock()
	defer idx.meta.RUnlock()
	return idx.model
}

// Index stores vec for id. It reports false when id already has a vector;
// an existing vector is never replaced or duplicated.
func (idx *Index) Index(id common.RecordID, vec []float32, modelVersion string) (bool, error) {
	unit, err := Normalize(vec)
	if err != nil {
		return false, fmt.Errorf("record %s: %w", id, err)
	}

	// The shared meta lock is held across the insert so SetModelVersion
	// cannot interleave; inserts into different shards run in parallel.
	idx.meta.RLock()
	if idx.model != "" && idx.dim != 0 {
		defer idx.meta.RUnlock()
		if err := idx.checkLocked(id, modelVersion, len(unit)); err != nil {
			return false, err
		}
		return idx.insert(id, unit, modelVersion), nil
	}
	idx.meta.RUnlock()

	// First vector: fix model and dimension under the exclusive lock.
	idx.meta.Lock()
	defer idx.meta.Unlock()
	if idx.model == "" {
		idx.model = modelVersion
	}
	if idx.dim == 0 && idx.model == modelVersion {
		idx.dim = len(unit)
	}
	if err := idx.checkLocked(id, modelVersion, len(unit)); err != nil {
		return false, err
	}
	return idx.insert(id, unit, modelVersion), nil
}

func (idx *Index) checkLocked(id common.RecordID, modelVersion string, dim int) error {
	if idx.model != modelVersion {
		return fmt.Errorf("record %s: model version %q, index holds %q", id, modelVersion, idx.model)
	}
	if idx.dim != dim {
		return fmt.Errorf("%w: got %d, index holds %d", common.ErrDimensionMismatch, dim, idx.dim)
	}
	return nil
}

// insert takes only the shard lock of id.
func (idx *Index) insert(id common.RecordID, unit []float32, modelVersion string) bool {
	sh := idx.shards[store.ShardFor(id, len(idx.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[id]; ok {
		return false
	}
	sh.entries[id] = Entry{Record: id, Vector: unit, ModelVersion: modelVersion}
	sh.dirty = true
	return true
}

// SetModelVersion switches the index to version v. Entries embedded with
// any other version are dropped and their record IDs returned, sorted, so
// the caller can re-embed them. The dimension is reset since a new model
// may produce vectors of another size.
func (idx *Index) SetModelVersion(v string) []common.RecordID {
	idx.meta.Lock()
	defer idx.meta.Unlock()
	if idx.model == v {
		return nil
	}
	idx.model = v
	idx.dim = 0

	var dropped []common.RecordID
	for _, sh := range idx.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.ModelVersion != v {
				delete(sh.entries, id)
				dropped = append(dropped, id)
				sh.dirty = true
			}
		}
		sh.mu.Unlock()
	}
	slices.Sort(dropped)
	idx.Publish()
	return dropped
}

func (idx *Index) Publish() {
	for _, sh := range idx.shards {
		sh.mu.Lock()
		if sh.dirty {
			view := maps.Clone(sh.entries)
			sh.view.Store(&view)
			sh.dirty = false
		}
		sh.mu.Unlock()
	}
}

type Snapshot struct {
	views []map[common.RecordID]Entry
	dim   int
	model string
}

func (idx *Index) Snapshot() *Snapshot {
	idx.meta.RLock()
	s := &Snapshot{dim: idx.dim, model: idx.model, views: make([]map[common.RecordID]Entry, len(idx.shards))}
	idx.meta.RUnlock()
	for i, sh := range idx.shards {
		s.views[i] = *sh.view.Load()
	}
	return s
}

func (s *Snapshot) Len() int {
	n := 0
	for _, v := range s.views {
		n += len(v)
	}
	return n
}

func (s *Snapshot) Contains(id common.RecordID) bool {
	_, ok := s.views[store.ShardFor(id, len(s.views))][id]
	return ok
}

func (s *Snapshot) ModelVersion() string { return s.model }

type Hit struct {
	Record     common.RecordID
	Similarity float64
}

// Search returns the topK records most similar to query, by cosine
// similarity desc then record ID asc. Records rejected by filter are skipped
// before ranking.
func (s *Snapshot) Search(query []float32, topK int, filter func(common.RecordID) bool) ([]Hit, error) {
	if topK <= 0 || s.Len() == 0 {
		return nil, nil
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, index holds %d", common.ErrDimensionMismatch, len(query), s.dim)
	}
	q, err := Normalize(query)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, view := range s.views {
		for id, e := range view {
			if filter != nil && !filter(id) {
				continue
			}
			var dot float64
			for i, v := range e.Vector {
				dot += float64(v) * float64(q[i])
			}
			hits = append(hits, Hit{Record: id, Similarity: dot})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return cmp.Less(hits[i].Record, hits[j].Record)
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
