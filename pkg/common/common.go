package common

import (
	"slices"
	"time"
)

// RecordType classifies the origin of a record inside an extraction.
type RecordType string

const (
	RecordMessage  RecordType = "message"
	RecordCall     RecordType = "call"
	RecordFile     RecordType = "file"
	RecordMetadata RecordType = "metadata"
)

// Valid reports whether t is one of the known record types.
func (t RecordType) Valid() bool {
	switch t {
	case RecordMessage, RecordCall, RecordFile, RecordMetadata:
		return true
	}
	return false
}

// RecordID is the content hash of a record rendered as "rec_<hex>".
type RecordID string

// LineRange is the inclusive, 1-based line span a record was read from.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Record is the unit of evidence. Records are immutable once stored and are
// identified by a hash over their content, so re-ingesting the same content
// yields the same ID.
//
// A record carries:
//   - its provenance (source file and line range)
//   - the event timestamp and type
//   - the raw text and a set of typed normalized fields
type Record struct {
	ID         RecordID              `json:"id"`
	SourceFile string                `json:"source_file"`
	Lines      LineRange             `json:"line_range"`
	Timestamp  time.Time             `json:"timestamp"`
	Type       RecordType            `json:"type"`
	RawText    string                `json:"raw_text"`
	Fields     map[string]FieldValue `json:"fields,omitempty"`
	IngestedAt time.Time             `json:"ingested_at"`
}

// EntityType names a class of forensic identifier.
type EntityType string

const (
	EntityPhone         EntityType = "phone"
	EntityIP            EntityType = "ip"
	EntityCryptoAddress EntityType = "crypto_address"
	EntityDeviceID      EntityType = "device_id"
	EntityEmail         EntityType = "email"
	EntityURL           EntityType = "url"
	EntityPerson        EntityType = "person"
)

// HighRisk reports whether entities of this type count towards the linked
// high-risk type term of a risk score.
func (t EntityType) HighRisk() bool {
	switch t {
	case EntityCryptoAddress, EntityIP, EntityDeviceID:
		return true
	}
	return false
}

// EntityID is a stable arena index assigned by the entity registry. Zero is
// never a valid ID.
type EntityID uint64

// Entity is a deduplicated real-world identifier. Entities are never deleted;
// confirmed merges only set MergedInto on the absorbed side.
type Entity struct {
	ID             EntityID   `json:"id"`
	Type           EntityType `json:"type"`
	CanonicalValue string     `json:"canonical_value"`
	Aliases        []string   `json:"aliases"`
	CreatedAt      time.Time  `json:"created_at"`
	MergedInto     EntityID   `json:"merged_into,omitempty"`
}

// OccurrenceID identifies a single mention of an entity in a record.
type OccurrenceID uint64

// Occurrence links an entity to the record it was seen in. CharOffset is a
// byte offset into the record's raw text, or -1 when the mention came from a
// normalized field named by Field.
type Occurrence struct {
	ID          OccurrenceID `json:"id"`
	EntityID    EntityID     `json:"entity_id"`
	RecordID    RecordID     `json:"record_id"`
	CharOffset  int          `json:"char_offset"`
	Confidence  float64      `json:"confidence"`
	SurfaceForm string       `json:"surface_form"`
	Field       string       `json:"field,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Relation is the kind of a graph edge.
type Relation string

const (
	RelationCoCommunicated Relation = "co-communicated"
	RelationCoLocated      Relation = "co-located-on-device"
)

// RelationFor maps the type of the record two entities co-occur in to the
// relation of the resulting edge.
func RelationFor(t RecordType) Relation {
	switch t {
	case RecordMessage, RecordCall:
		return RelationCoCommunicated
	default:
		return RelationCoLocated
	}
}

// Edge is an undirected, time-bounded relationship between two entities.
// A is always the smaller entity ID. There is at most one edge per pair;
// Relations is the sorted set of relation kinds its support attests.
type Edge struct {
	A          EntityID       `json:"entity_a"`
	B          EntityID       `json:"entity_b"`
	Relations  []Relation     `json:"relations"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	Support    []OccurrenceID `json:"support"`
	Confidence float64        `json:"confidence"`
}

// HasRelation reports whether r is one of the relations of e.
func (e *Edge) HasRelation(r Relation) bool {
	return slices.Contains(e.Relations, r)
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id EntityID) EntityID {
	if e.A == id {
		return e.B
	}
	return e.A
}

// RiskTerm is one explainable contribution to a risk score.
type RiskTerm struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RiskScore is a derived annotation over an entity and a time window.
type RiskScore struct {
	EntityID    EntityID   `json:"entity_id"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	Score       float64    `json:"score"`
	Threshold   float64    `json:"threshold"`
	Flagged     bool       `json:"flagged"`
	Dominant    string     `json:"dominant"`
	Terms       []RiskTerm `json:"terms"`
}

// CitedResult is a single ranked hit. Every result resolves back to the
// exact file and line range of the record it cites.
type CitedResult struct {
	RecordID     RecordID     `json:"record_id"`
	SourceFile   string       `json:"source_file"`
	Lines        LineRange    `json:"line_range"`
	Timestamp    time.Time    `json:"timestamp"`
	Type         RecordType   `json:"type"`
	Language     string       `json:"language,omitempty"`
	Confidence   float64      `json:"confidence"`
	FusedScore   float64      `json:"fused_score"`
	LexicalRank  int          `json:"lexical_rank,omitempty"`
	SemanticRank int          `json:"semantic_rank,omitempty"`
	EntityRank   int          `json:"entity_rank,omitempty"`
	Snippet      string       `json:"snippet"`
	Occurrences  []Occurrence `json:"occurrences,omitempty"`
}
