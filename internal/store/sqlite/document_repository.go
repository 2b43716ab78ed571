package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/paperspark/spark/internal/store"
)

// DocumentRepository implements store.DocumentRepository.
type DocumentRepository struct {
	s *session
}

func NewDocumentRepository(db *sql.DB, driver string) *DocumentRepository {
	return &DocumentRepository{s: newSession(db, driver)}
}

func NewDocumentRepositoryWithTx(tx *sql.Tx, driver string) *DocumentRepository {
	return &DocumentRepository{s: newSession(tx, driver)}
}

func (r *DocumentRepository) Upsert(ctx context.Context, doc *store.Document) error {
	now := time.Now().UTC()
	if doc.FirstSeen.IsZero() {
		doc.FirstSeen = now
	}
	if doc.LastSeen.IsZero() {
		doc.LastSeen = now
	}

	query := `INSERT INTO documents (id, source_hash, title, document_type, correspondent, tags, owner_id, first_seen, last_seen)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT (id) DO UPDATE SET
			  source_hash = excluded.source_hash,
			  title = excluded.title,
			  document_type = excluded.document_type,
			  correspondent = excluded.correspondent,
			  tags = excluded.tags,
			  owner_id = excluded.owner_id,
			  last_seen = excluded.last_seen`

	_, err := r.s.exec(ctx, query,
		doc.ID, doc.SourceHash, doc.Title, doc.DocumentType, doc.Correspondent,
		encodeStrings(doc.Tags), intArg(doc.OwnerID),
		timeString(doc.FirstSeen), timeString(doc.LastSeen))
	if err != nil {
		return store.NewQueryError("upsert_document", "failed to upsert document", err)
	}

	return nil
}

func (r *DocumentRepository) Get(ctx context.Context, id int64) (*store.Document, error) {
	return r.getOne(ctx,
		`SELECT id, source_hash, title, document_type, correspondent, tags, owner_id, first_seen, last_seen
		 FROM documents WHERE id = ?`, id)
}

func (r *DocumentRepository) GetBySourceHash(ctx context.Context, hash string) (*store.Document, error) {
	return r.getOne(ctx,
		`SELECT id, source_hash, title, document_type, correspondent, tags, owner_id, first_seen, last_seen
		 FROM documents WHERE source_hash = ? ORDER BY id LIMIT 1`, hash)
}

func (r *DocumentRepository) getOne(ctx context.Context, query string, arg interface{}) (*store.Document, error) {
	var (
		doc       store.Document
		tags      string
		ownerID   sql.NullInt64
		firstSeen string
		lastSeen  string
	)

	err := r.s.queryRow(ctx, query, arg).Scan(
		&doc.ID, &doc.SourceHash, &doc.Title, &doc.DocumentType, &doc.Correspondent,
		&tags, &ownerID, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("get_document", "failed to query document", err)
	}

	doc.Tags = decodeStrings(tags)
	doc.OwnerID = intPtr(ownerID)
	if doc.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, err
	}
	if doc.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}

	return &doc, nil
}
