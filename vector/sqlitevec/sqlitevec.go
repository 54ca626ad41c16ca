// Package sqlitevec provides a vector store on a single SQLite file using the
// pure-Go modernc driver. Embeddings are stored as little-endian float32
// blobs; similarity is computed in process, which is fine at the collection
// sizes a single owner accumulates.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/hrygo/memtier/memory"
	"github.com/hrygo/memtier/vector"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL DEFAULT '',
	record_type  TEXT NOT NULL DEFAULT '',
	tier         TEXT NOT NULL DEFAULT '',
	consolidated INTEGER NOT NULL DEFAULT 0,
	pending      INTEGER NOT NULL DEFAULT 0,
	created_ns   INTEGER NOT NULL DEFAULT 0,
	embedding    BLOB,
	metadata     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories (owner_id, record_type, tier);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories (created_ns);
`

// Store implements vector.Service on SQLite. The filterable metadata fields
// are denormalized into columns so browses run as plain WHERE clauses; the
// full metadata map rides along as JSON.
type Store struct {
	db *sql.DB
}

// New opens (and if needed initializes) the store at the given path. Use
// ":memory:" for an ephemeral store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// The modernc driver serializes access; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

// Upsert stores or replaces a document.
func (s *Store) Upsert(ctx context.Context, doc vector.Document) error {
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return errors.Wrapf(err, "encode metadata for %s", doc.ID)
	}

	var createdNS int64
	if ts := vector.CreatedAtField(doc.Metadata); !ts.IsZero() {
		createdNS = ts.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, owner_id, record_type, tier, consolidated, pending, created_ns, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			record_type = excluded.record_type,
			tier = excluded.tier,
			consolidated = excluded.consolidated,
			pending = excluded.pending,
			created_ns = excluded.created_ns,
			embedding = excluded.embedding,
			metadata = excluded.metadata`,
		doc.ID,
		vector.StringField(doc.Metadata, memory.KeyOwnerID),
		vector.StringField(doc.Metadata, memory.KeyRecordType),
		vector.StringField(doc.Metadata, memory.KeyTier),
		boolToInt(vector.BoolField(doc.Metadata, memory.KeyConsolidated)),
		boolToInt(vector.BoolField(doc.Metadata, memory.KeyPending)),
		createdNS,
		encodeVector(doc.Vector),
		string(metaJSON),
	)
	return errors.Wrapf(err, "upsert %s", doc.ID)
}

// Get retrieves a document by ID.
func (s *Store) Get(ctx context.Context, id string) (*vector.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, embedding, metadata FROM memories WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vector.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", id)
	}
	return doc, nil
}

// QueryByMetadata browses matching documents, newest first.
func (s *Store) QueryByMetadata(ctx context.Context, filter *vector.BrowseFilter, limit int) ([]vector.Document, error) {
	where, args := buildWhere(filter)
	query := `SELECT id, embedding, metadata FROM memories` + where + ` ORDER BY created_ns DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "browse")
	}
	defer rows.Close()

	var out []vector.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "browse scan")
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

// SearchSimilar loads the filtered candidate set and ranks it by cosine
// similarity in Go.
func (s *Store) SearchSimilar(ctx context.Context, vec []float32, topK int, filter *vector.BrowseFilter) ([]vector.Result, error) {
	if topK <= 0 {
		topK = 10
	}

	where, args := buildWhere(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, metadata FROM memories`+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "search scan")
		}
		if len(doc.Vector) == 0 {
			continue
		}
		results = append(results, vector.Result{
			Document: *doc,
			Score:    vector.CosineSimilarity(vec, doc.Vector),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// UpdateMetadata merges the patch into the stored metadata and refreshes the
// denormalized filter columns.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		doc.Metadata[k] = v
	}
	return s.Upsert(ctx, *doc)
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "delete %s", id)
	}
	if n == 0 {
		return vector.ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*vector.Document, error) {
	var (
		id       string
		blob     []byte
		metaJSON string
	)
	if err := row.Scan(&id, &blob, &metaJSON); err != nil {
		return nil, err
	}

	md := make(map[string]any)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &md); err != nil {
			return nil, errors.Wrapf(err, "decode metadata for %s", id)
		}
	}
	return &vector.Document{
		ID:       id,
		Vector:   decodeVector(blob),
		Metadata: md,
	}, nil
}

func buildWhere(filter *vector.BrowseFilter) (string, []any) {
	if filter == nil {
		return "", nil
	}

	var conds []string
	var args []any
	if filter.OwnerID != nil {
		conds = append(conds, "owner_id = ?")
		args = append(args, *filter.OwnerID)
	}
	if filter.RecordType != nil {
		conds = append(conds, "record_type = ?")
		args = append(args, *filter.RecordType)
	}
	if filter.Tier != nil {
		conds = append(conds, "tier = ?")
		args = append(args, *filter.Tier)
	}
	if filter.Consolidated != nil {
		conds = append(conds, "consolidated = ?")
		args = append(args, boolToInt(*filter.Consolidated))
	}
	if filter.Pending != nil {
		conds = append(conds, "pending = ?")
		args = append(args, boolToInt(*filter.Pending))
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "created_ns > 0 AND created_ns <= ?")
		args = append(args, filter.CreatedBefore.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// encodeVector packs float32s into a little-endian blob.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure Store implements vector.Service.
var _ vector.Service = (*Store)(nil)
