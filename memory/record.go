package memory

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// Metadata keys used at the vector store boundary. Stores persist records as
// generic metadata maps; these keys are the stable contract.
const (
	KeyOwnerID          = "owner_id"
	KeyContent          = "content"
	KeyTier             = "tier"
	KeyCreatedAt        = "created_at"
	KeyConsolidated     = "consolidated"
	KeyConsolidatedInto = "consolidated_into"
	KeyRecordType       = "record_type"

	KeyBusinessIntelligence = "business_intelligence_score"
	KeyDecisionValue        = "decision_value"
	KeySentiment            = "sentiment_score"
	KeyTopicConfidence      = "topic_confidence"

	KeySourceIDs       = "source_ids"
	KeySummary         = "summary"
	KeyKeyPoints       = "key_points"
	KeyImportanceScore = "importance_score"
	KeyPending         = "pending"
)

// Record type discriminators stored under KeyRecordType.
const (
	RecordTypeMemory       = "memory"
	RecordTypeConsolidated = "consolidated"
)

// ErrMissingField is returned when a stored metadata map lacks a required key.
var ErrMissingField = errors.New("metadata missing required field")

// ImportanceInputs are the structured scoring inputs attached to a record by
// upstream writers. Each value is expected in [0,1]; sentiment may be negative
// and only its magnitude contributes to the score. Missing inputs score as 0.
type ImportanceInputs struct {
	BusinessIntelligence float64 `json:"business_intelligence_score"`
	DecisionValue        float64 `json:"decision_value"`
	Sentiment            float64 `json:"sentiment_score"`
	TopicConfidence      float64 `json:"topic_confidence"`
}

// Record is a single stored memory.
type Record struct {
	ID         string
	OwnerID    string
	Content    string
	Embedding  []float32
	Tier       Tier
	CreatedAt  time.Time
	Importance ImportanceInputs

	// Consolidated marks a record that has been folded into a consolidated
	// memory. Tombstoned records are kept for audit and never re-evaluated.
	Consolidated     bool
	ConsolidatedInto string

	// ExtraMetadata preserves unknown metadata keys across a load/store
	// round trip so the engine never drops fields written by collaborators.
	ExtraMetadata map[string]any
}

// NewRecord creates a short-term record with a fresh ID.
func NewRecord(ownerID, content string, inputs ImportanceInputs) *Record {
	return &Record{
		ID:         shortuuid.New(),
		OwnerID:    ownerID,
		Content:    content,
		Tier:       TierShortTerm,
		CreatedAt:  time.Now().UTC(),
		Importance: inputs,
	}
}

// Age returns how long ago the record was created.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// ToMetadata flattens the record into the metadata map persisted alongside
// its vector. Extra metadata is merged back in; typed keys win on conflict.
func (r *Record) ToMetadata() map[string]any {
	md := make(map[string]any, len(r.ExtraMetadata)+12)
	for k, v := range r.ExtraMetadata {
		md[k] = v
	}
	md[KeyRecordType] = RecordTypeMemory
	md[KeyOwnerID] = r.OwnerID
	md[KeyContent] = r.Content
	md[KeyTier] = string(r.Tier)
	md[KeyCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	md[KeyConsolidated] = r.Consolidated
	if r.ConsolidatedInto != "" {
		md[KeyConsolidatedInto] = r.ConsolidatedInto
	}
	md[KeyBusinessIntelligence] = r.Importance.BusinessIntelligence
	md[KeyDecisionValue] = r.Importance.DecisionValue
	md[KeySentiment] = r.Importance.Sentiment
	md[KeyTopicConfidence] = r.Importance.TopicConfidence
	return md
}

// RecordFromMetadata rebuilds a Record from a stored metadata map, validating
// required fields. Unknown keys are preserved in ExtraMetadata.
func RecordFromMetadata(id string, embedding []float32, md map[string]any) (*Record, error) {
	content, ok := mdString(md, KeyContent)
	if !ok {
		return nil, errors.Wrapf(ErrMissingField, "record %s: %s", id, KeyContent)
	}
	tierRaw, ok := mdString(md, KeyTier)
	if !ok {
		return nil, errors.Wrapf(ErrMissingField, "record %s: %s", id, KeyTier)
	}
	tier, err := ParseTier(tierRaw)
	if err != nil {
		return nil, errors.Wrapf(err, "record %s", id)
	}
	createdRaw, ok := mdString(md, KeyCreatedAt)
	if !ok {
		return nil, errors.Wrapf(ErrMissingField, "record %s: %s", id, KeyCreatedAt)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return nil, errors.Wrapf(err, "record %s: parse %s", id, KeyCreatedAt)
	}

	r := &Record{
		ID:           id,
		OwnerID:      mdStringOr(md, KeyOwnerID, ""),
		Content:      content,
		Embedding:    embedding,
		Tier:         tier,
		CreatedAt:    createdAt,
		Consolidated: mdBool(md, KeyConsolidated),
		Importance: ImportanceInputs{
			BusinessIntelligence: mdFloat(md, KeyBusinessIntelligence),
			DecisionValue:        mdFloat(md, KeyDecisionValue),
			Sentiment:            mdFloat(md, KeySentiment),
			TopicConfidence:      mdFloat(md, KeyTopicConfidence),
		},
		ConsolidatedInto: mdStringOr(md, KeyConsolidatedInto, ""),
	}
	r.ExtraMetadata = extractExtra(md, recordKnownKeys)
	return r, nil
}

// ConsolidatedMemory is the engine's output artifact: one compressed record
// replacing two or more source records.
type ConsolidatedMemory struct {
	ID              string
	OwnerID         string
	SourceIDs       []string
	Content         string
	Summary         string
	KeyPoints       []string
	ImportanceScore float64
	Tier            Tier
	CreatedAt       time.Time
	Embedding       []float32

	// Pending marks the first phase of the two-phase write. A pending record
	// whose sources are not all flagged is a crash leftover for recovery.
	Pending bool

	ExtraMetadata map[string]any
}

// NewConsolidatedMemory allocates an ID and timestamps the artifact.
func NewConsolidatedMemory(ownerID string, tier Tier) *ConsolidatedMemory {
	return &ConsolidatedMemory{
		ID:        shortuuid.New(),
		OwnerID:   ownerID,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
}

// ToMetadata flattens the consolidated memory for persistence.
func (c *ConsolidatedMemory) ToMetadata() map[string]any {
	md := make(map[string]any, len(c.ExtraMetadata)+12)
	for k, v := range c.ExtraMetadata {
		md[k] = v
	}
	md[KeyRecordType] = RecordTypeConsolidated
	md[KeyOwnerID] = c.OwnerID
	md[KeyContent] = c.Content
	md[KeyTier] = string(c.Tier)
	md[KeyCreatedAt] = c.CreatedAt.UTC().Format(time.RFC3339Nano)
	md[KeySourceIDs] = append([]string(nil), c.SourceIDs...)
	md[KeySummary] = c.Summary
	md[KeyKeyPoints] = append([]string(nil), c.KeyPoints...)
	md[KeyImportanceScore] = c.ImportanceScore
	md[KeyPending] = c.Pending
	return md
}

// ConsolidatedFromMetadata rebuilds a ConsolidatedMemory from stored metadata.
func ConsolidatedFromMetadata(id string, embedding []float32, md map[string]any) (*ConsolidatedMemory, error) {
	content, ok := mdString(md, KeyContent)
	if !ok {
		return nil, errors.Wrapf(ErrMissingField, "consolidated %s: %s", id, KeyContent)
	}
	tierRaw, ok := mdString(md, KeyTier)
	if !ok {
		return nil, errors.Wrapf(ErrMissingField, "consolidated %s: %s", id, KeyTier)
	}
	tier, err := ParseTier(tierRaw)
	if err != nil {
		return nil, errors.Wrapf(err, "consolidated %s", id)
	}
	createdRaw, ok := mdString(md, KeyCreatedAt)
	if !ok {
		return nil, errors.Wrapf(ErrMissingField, "consolidated %s: %s", id, KeyCreatedAt)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return nil, errors.Wrapf(err, "consolidated %s: parse %s", id, KeyCreatedAt)
	}
	sourceIDs := mdStringSlice(md, KeySourceIDs)
	if len(sourceIDs) < 2 {
		return nil, errors.Wrapf(ErrMissingField, "consolidated %s: %s requires at least 2 entries", id, KeySourceIDs)
	}

	c := &ConsolidatedMemory{
		ID:              id,
		OwnerID:         mdStringOr(md, KeyOwnerID, ""),
		SourceIDs:       sourceIDs,
		Content:         content,
		Summary:         mdStringOr(md, KeySummary, ""),
		KeyPoints:       mdStringSlice(md, KeyKeyPoints),
		ImportanceScore: mdFloat(md, KeyImportanceScore),
		Tier:            tier,
		CreatedAt:       createdAt,
		Embedding:       embedding,
		Pending:         mdBool(md, KeyPending),
	}
	c.ExtraMetadata = extractExtra(md, consolidatedKnownKeys)
	return c, nil
}

var recordKnownKeys = map[string]struct{}{
	KeyRecordType: {}, KeyOwnerID: {}, KeyContent: {}, KeyTier: {},
	KeyCreatedAt: {}, KeyConsolidated: {}, KeyConsolidatedInto: {},
	KeyBusinessIntelligence: {}, KeyDecisionValue: {}, KeySentiment: {},
	KeyTopicConfidence: {},
}

var consolidatedKnownKeys = map[string]struct{}{
	KeyRecordType: {}, KeyOwnerID: {}, KeyContent: {}, KeyTier: {},
	KeyCreatedAt: {}, KeySourceIDs: {}, KeySummary: {}, KeyKeyPoints: {},
	KeyImportanceScore: {}, KeyPending: {},
}

func extractExtra(md map[string]any, known map[string]struct{}) map[string]any {
	var extra map[string]any
	for k, v := range md {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}

// Metadata maps may come back from a store with JSON-decoded value types, so
// the accessors below tolerate the usual numeric and slice widenings.

func mdString(md map[string]any, key string) (string, bool) {
	v, ok := md[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func mdStringOr(md map[string]any, key, fallback string) string {
	if s, ok := mdString(md, key); ok {
		return s
	}
	return fallback
}

func mdFloat(md map[string]any, key string) float64 {
	switch v := md[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func mdBool(md map[string]any, key string) bool {
	switch v := md[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

func mdStringSlice(md map[string]any, key string) []string {
	switch v := md[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
