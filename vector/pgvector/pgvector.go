// Package pgvector provides a PostgreSQL vector store using the pgvector
// extension. This is the production backend: similarity search runs in the
// database and filters push down to indexed columns.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	pgv "github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/hrygo/memtier/memory"
	"github.com/hrygo/memtier/vector"
)

// Config holds connection settings.
type Config struct {
	// DSN is a lib/pq connection string.
	DSN string
	// Dimensions fixes the embedding column width. Required.
	Dimensions int
	// Table overrides the default table name.
	Table string
}

// Store implements vector.Service on PostgreSQL with pgvector.
type Store struct {
	db    *sql.DB
	table string
}

// New connects and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, errors.New("pgvector: dimensions must be positive")
	}
	table := cfg.Table
	if table == "" {
		table = "memories"
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	s := &Store{db: db, table: table}
	if err := s.ensureSchema(ctx, cfg.Dimensions); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL DEFAULT '',
			record_type  TEXT NOT NULL DEFAULT '',
			tier         TEXT NOT NULL DEFAULT '',
			consolidated BOOLEAN NOT NULL DEFAULT FALSE,
			pending      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ,
			embedding    vector(%d),
			metadata     JSONB NOT NULL DEFAULT '{}'
		)`, s.table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s (owner_id, record_type, tier)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s (created_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	return nil
}

// Upsert stores or replaces a document.
func (s *Store) Upsert(ctx context.Context, doc vector.Document) error {
	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return errors.Wrapf(err, "encode metadata for %s", doc.ID)
	}

	var createdAt sql.NullTime
	if ts := vector.CreatedAtField(doc.Metadata); !ts.IsZero() {
		createdAt = sql.NullTime{Time: ts, Valid: true}
	}

	var embedding any
	if len(doc.Vector) > 0 {
		embedding = pgv.NewVector(doc.Vector)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, record_type, tier, consolidated, pending, created_at, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			record_type = EXCLUDED.record_type,
			tier = EXCLUDED.tier,
			consolidated = EXCLUDED.consolidated,
			pending = EXCLUDED.pending,
			created_at = EXCLUDED.created_at,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`, s.table),
		doc.ID,
		vector.StringField(doc.Metadata, memory.KeyOwnerID),
		vector.StringField(doc.Metadata, memory.KeyRecordType),
		vector.StringField(doc.Metadata, memory.KeyTier),
		vector.BoolField(doc.Metadata, memory.KeyConsolidated),
		vector.BoolField(doc.Metadata, memory.KeyPending),
		createdAt,
		embedding,
		metaJSON,
	)
	return errors.Wrapf(err, "upsert %s", doc.ID)
}

// Get retrieves a document by ID.
func (s *Store) Get(ctx context.Context, id string) (*vector.Document, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, embedding, metadata FROM %s WHERE id = $1`, s.table), id)
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
	query := fmt.Sprintf(`SELECT id, embedding, metadata FROM %s%s ORDER BY created_at DESC NULLS LAST`, s.table, where)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
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

// SearchSimilar ranks by cosine similarity inside the database. pgvector's
// <=> operator yields cosine distance, so similarity is 1 - distance.
func (s *Store) SearchSimilar(ctx context.Context, vec []float32, topK int, filter *vector.BrowseFilter) ([]vector.Result, error) {
	if topK <= 0 {
		topK = 10
	}

	where, args := buildWhere(filter)
	embedCond := "embedding IS NOT NULL"
	if where == "" {
		where = " WHERE " + embedCond
	} else {
		where += " AND " + embedCond
	}

	args = append(args, pgv.NewVector(vec))
	vecArg := len(args)
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT id, embedding, metadata, 1 - (embedding <=> $%d) AS similarity
		FROM %s%s
		ORDER BY embedding <=> $%d
		LIMIT $%d`, vecArg, s.table, where, vecArg, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var (
			id       string
			emb      pgv.Vector
			metaJSON []byte
			score    float64
		)
		if err := rows.Scan(&id, &emb, &metaJSON, &score); err != nil {
			return nil, errors.Wrap(err, "search scan")
		}
		md := make(map[string]any)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &md); err != nil {
				return nil, errors.Wrapf(err, "decode metadata for %s", id)
			}
		}
		results = append(results, vector.Result{
			Document: vector.Document{ID: id, Vector: emb.Slice(), Metadata: md},
			Score:    score,
		})
	}
	return results, rows.Err()
}

// UpdateMetadata merges the patch into the JSONB column and refreshes the
// denormalized filter columns from the merged result.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return errors.Wrapf(err, "encode patch for %s", id)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET
			metadata = metadata || $2::jsonb,
			owner_id = COALESCE((metadata || $2::jsonb)->>'%s', owner_id),
			record_type = COALESCE((metadata || $2::jsonb)->>'%s', record_type),
			tier = COALESCE((metadata || $2::jsonb)->>'%s', tier),
			consolidated = COALESCE(((metadata || $2::jsonb)->>'%s')::boolean, consolidated),
			pending = COALESCE(((metadata || $2::jsonb)->>'%s')::boolean, pending)
		WHERE id = $1`,
		s.table,
		memory.KeyOwnerID, memory.KeyRecordType, memory.KeyTier,
		memory.KeyConsolidated, memory.KeyPending),
		id, patchJSON)
	if err != nil {
		return errors.Wrapf(err, "update metadata %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update metadata %s", id)
	}
	if n == 0 {
		return vector.ErrNotFound
	}
	return nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
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

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// nullVector mirrors sql.Null[pgv.Vector] (database/sql's generic Null is
// only available from Go 1.22): NULL scans to Valid=false, anything else is
// delegated to pgv.Vector.Scan.
type nullVector struct {
	V     pgv.Vector
	Valid bool
}

func (n *nullVector) Scan(value any) error {
	if value == nil {
		n.V, n.Valid = pgv.Vector{}, false
		return nil
	}
	n.Valid = true
	return n.V.Scan(value)
}

func scanDocument(row rowScanner) (*vector.Document, error) {
	var (
		id       string
		emb      nullVector
		metaJSON []byte
	)
	if err := row.Scan(&id, &emb, &metaJSON); err != nil {
		return nil, err
	}

	md := make(map[string]any)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &md); err != nil {
			return nil, errors.Wrapf(err, "decode metadata for %s", id)
		}
	}
	doc := &vector.Document{ID: id, Metadata: md}
	if emb.Valid {
		doc.Vector = emb.V.Slice()
	}
	return doc, nil
}

func buildWhere(filter *vector.BrowseFilter) (string, []any) {
	if filter == nil {
		return "", nil
	}

	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.OwnerID != nil {
		add("owner_id = $%d", *filter.OwnerID)
	}
	if filter.RecordType != nil {
		add("record_type = $%d", *filter.RecordType)
	}
	if filter.Tier != nil {
		add("tier = $%d", *filter.Tier)
	}
	if filter.Consolidated != nil {
		add("consolidated = $%d", *filter.Consolidated)
	}
	if filter.Pending != nil {
		add("pending = $%d", *filter.Pending)
	}
	if filter.CreatedBefore != nil {
		add("created_at <= $%d", filter.CreatedBefore.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Ensure Store implements vector.Service.
var _ vector.Service = (*Store)(nil)
