package vector

import (
	"time"

	"github.com/hrygo/memtier/memory"
)

// Metadata accessors shared by store implementations. Values may come back
// from a backend with JSON-decoded types, so these tolerate the usual
// widenings.

// StringField returns the string value under key, or "".
func StringField(md map[string]any, key string) string {
	if md == nil {
		return ""
	}
	s, _ := md[key].(string)
	return s
}

// BoolField returns the bool value under key, accepting "true" strings.
func BoolField(md map[string]any, key string) bool {
	if md == nil {
		return false
	}
	switch v := md[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// CreatedAtField parses the record's creation timestamp from metadata.
// Returns the zero time when absent or malformed.
func CreatedAtField(md map[string]any) time.Time {
	raw := StringField(md, memory.KeyCreatedAt)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// MatchesFilter reports whether a document satisfies a browse filter.
func MatchesFilter(doc Document, filter *BrowseFilter) bool {
	if filter == nil {
		return true
	}
	md := doc.Metadata
	if filter.OwnerID != nil && StringField(md, memory.KeyOwnerID) != *filter.OwnerID {
		return false
	}
	if filter.RecordType != nil && StringField(md, memory.KeyRecordType) != *filter.RecordType {
		return false
	}
	if filter.Tier != nil && StringField(md, memory.KeyTier) != *filter.Tier {
		return false
	}
	if filter.Consolidated != nil && BoolField(md, memory.KeyConsolidated) != *filter.Consolidated {
		return false
	}
	if filter.Pending != nil && BoolField(md, memory.KeyPending) != *filter.Pending {
		return false
	}
	if filter.CreatedBefore != nil {
		ts := CreatedAtField(md)
		if ts.IsZero() || ts.After(*filter.CreatedBefore) {
			return false
		}
	}
	return true
}
