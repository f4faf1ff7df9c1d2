// Package lexical is a sharded BM25 inverted index over records.
//
// Writers append postings to per-shard mutable state under the shard's
// mutex. Readers never see that state: Publish copies each changed shard
// into an immutable view, and searches run against a Snapshot of the views.
// Ingestion therefore never blocks queries and the other way round.
package lexical

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/store"
)

const (
	DefaultK1     = 1.2
	DefaultB      = 0.75
	defaultShards = 16
)

// Posting is one record's entry in a term's posting list.
type Posting struct {
	Record    common.RecordID
	TF        int
	Positions []int
}

type docInfo struct {
	length    int
	timestamp time.Time
}

type shardView struct {
	postings map[string][]Posting
	docs     map[common.RecordID]docInfo
	totalLen int64
	checksum uint64
}

type shard struct {
	mu       sync.Mutex
	postings map[string][]Posting
	docs     map[common.RecordID]docInfo
	totalLen int64
	checksum uint64
	dirty    bool
	view     atomic.Pointer[shardView]
}

type Params struct {
	K1     float64
	B      float64
	Shards int
}

type Index struct {
	k1     float64
	b      float64
	shards []*shard
}

func New(params Params) *Index {
	k1, b := params.K1, params.B
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b < 0 || b > 1 || (b == 0 && params.K1 == 0) {
		b = DefaultB
	}
	n := params.Shards
	if n <= 0 {
		n = defaultShards
	}
	idx := &Index{k1: k1, b: b, shards: make([]*shard, n)}
	for i := range idx.shards {
		sh := &shard{
			postings: make(map[string][]Posting),
			docs:     make(map[common.RecordID]docInfo),
		}
		sh.view.Store(&shardView{
			postings: map[string][]Posting{},
			docs:     map[common.RecordID]docInfo{},
		})
		idx.shards[i] = sh
	}
	return idx
}

// DocumentText is the text indexed for rec: the raw text followed by its
// text and identifier fields.
func DocumentText(rec *common.Record) string {
	text := rec.RawText
	for _, name := range slices.Sorted(maps.Keys(rec.Fields)) {
		v := rec.Fields[name]
		switch v.Kind() {
		case common.FieldText, common.FieldIdentifier:
			text += "\n" + v.Str()
		case common.FieldNumber, common.FieldTimestamp:
		}
	}
	return text
}

func postingChecksum(term string, id common.RecordID, tf int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(term))
	h.Write([]byte{0})
	h.Write([]byte(id))
	h.Write([]byte{0, byte(tf), byte(tf >> 8), byte(tf >> 16), byte(tf >> 24)})
	return h.Sum64()
}

// Index adds rec to its shard. It reports false if the record was already
// indexed; postings are never duplicated. The change becomes visible to
// searches after the next Publish.
func (idx *Index) Index(rec *common.Record) bool {
	sh := idx.shards[store.ShardFor(rec.ID, len(idx.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.docs[rec.ID]; ok {
		return false
	}

	tokens := Tokenize(DocumentText(rec))
	positions := make(map[string][]int)
	for pos, tok := range tokens {
		positions[tok] = append(positions[tok], pos)
	}
	for term, pos := range positions {
		sh.postings[term] = append(sh.postings[term], Posting{Record: rec.ID, TF: len(pos), Positions: pos})
		sh.checksum ^= postingChecksum(term, rec.ID, len(pos))
	}
	sh.docs[rec.ID] = docInfo{length: len(tokens), timestamp: rec.Timestamp}
	sh.totalLen += int64(len(tokens))
	sh.dirty = true
	return true
}

// Publish makes all indexed records visible to new snapshots.
func (idx *Index) Publish() {
	for _, sh := range idx.shards {
		sh.mu.Lock()
		if sh.dirty {
			// Posting slices are shared: the writer only ever appends past
			// the length a view holds.
			sh.view.Store(&shardView{
				postings: maps.Clone(sh.postings),
				docs:     maps.Clone(sh.docs),
				totalLen: sh.totalLen,
				checksum: sh.checksum,
			})
			sh.dirty = false
		}
		sh.mu.Unlock()
	}
}

// Snapshot is an immutable, consistent view of the published index.
type Snapshot struct {
	k1    float64
	b     float64
	views []*shardView
	n     int
	avgdl float64
}

func (idx *Index) Snapshot() *Snapshot {
	s := &Snapshot{k1: idx.k1, b: idx.b, views: make([]*shardView, len(idx.shards))}
	var total int64
	for i, sh := range idx.shards {
		v := sh.view.Load()
		s.views[i] = v
		s.n += len(v.docs)
		total += v.totalLen
	}
	if s.n > 0 {
		s.avgdl = float64(total) / float64(s.n)
	}
	return s
}

// Len is the number of records in the snapshot.
func (s *Snapshot) Len() int { return s.n }

// Contains reports whether id is indexed.
func (s *Snapshot) Contains(id common.RecordID) bool {
	_, ok := s.views[store.ShardFor(id, len(s.views))].docs[id]
	return ok
}

// DocFreq is the number of records containing term.
func (s *Snapshot) DocFreq(term string) int {
	df := 0
	for _, v := range s.views {
		df += len(v.postings[term])
	}
	return df
}

// Postings returns the posting list of term for the record, if any.
func (s *Snapshot) Postings(term string, id common.RecordID) (Posting, bool) {
	v := s.views[store.ShardFor(id, len(s.views))]
	for _, p := range v.postings[term] {
		if p.Record == id {
			return p, true
		}
	}
	return Posting{}, false
}

// IDF is ln(1 + (N - df + 0.5) / (df + 0.5)).
func IDF(n, df int) float64 {
	return math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
}

// Hit is a scored search result.
type Hit struct {
	Record    common.RecordID
	Score     float64
	Timestamp time.Time
}

// Search scores records containing any of terms with BM25 and returns the
// topK best. Records rejected by filter are dropped before ranking. Ties
// are broken by earlier timestamp, then by smaller record ID.
func (s *Snapshot) Search(terms []string, topK int, filter func(common.RecordID) bool) []Hit {
	if s.n == 0 || len(terms) == 0 || topK <= 0 {
		return nil
	}

	scores := make(map[common.RecordID]float64)
	allowed := make(map[common.RecordID]bool)
	for _, term := range slices.Compact(slices.Sorted(slices.Values(terms))) {
		df := s.DocFreq(term)
		if df == 0 {
			continue
		}
		idf := IDF(s.n, df)
		for _, v := range s.views {
			for _, p := range v.postings[term] {
				ok, seen := allowed[p.Record]
				if !seen {
					ok = filter == nil || filter(p.Record)
					allowed[p.Record] = ok
				}
				if !ok {
					continue
				}
				dl := float64(v.docs[p.Record].length)
				tf := float64(p.TF)
				norm := tf + s.k1*(1-s.b+s.b*dl/s.avgdl)
				scores[p.Record] += idf * tf * (s.k1 + 1) / norm
			}
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		v := s.views[store.ShardFor(id, len(s.views))]
		hits = append(hits, Hit{Record: id, Score: score, Timestamp: v.docs[id].timestamp})
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return cmp.Less(a.Record, b.Record)
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Verify recomputes each shard's checksum from its published postings and
// checks that no record appears twice in a posting list.
func (s *Snapshot) Verify() error {
	for i, v := range s.views {
		var sum uint64
		for term, list := range v.postings {
			seen := make(map[common.RecordID]struct{}, len(list))
			for _, p := range list {
				if _, dup := seen[p.Record]; dup {
					return fmt.Errorf("%w: shard %d term %q lists %s twice", common.ErrIndexCorruption, i, term, p.Record)
				}
				seen[p.Record] = struct{}{}
				if _, ok := v.docs[p.Record]; !ok {
					return fmt.Errorf("%w: shard %d term %q references unknown record %s", common.ErrIndexCorruption, i, term, p.Record)
				}
				sum ^= postingChecksum(term, p.Record, p.TF)
			}
		}
		if sum != v.checksum {
			return fmt.Errorf("%w: shard %d checksum mismatch", common.ErrIndexCorruption, i)
		}
	}
	return nil
}

// Verify checks the currently published state.
func (idx *Index) Verify() error {
	return idx.Snapshot().Verify()
}
