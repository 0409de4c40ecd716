package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"regradar/internal/content"
	"regradar/internal/diff"
	"regradar/pkg/domain"
	"regradar/pkg/platform/sentinel"
)

//go:embed schema.sql
var schema string

// Schema is the DDL this store expects. Exposed for tests and bootstrap
// tooling; production migrations are owned by the deployment collaborator.
func Schema() string { return schema }

// Postgres implements Store on database/sql.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres-backed ledger store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Postgres) EnsureSource(ctx context.Context, name, url string) (*Source, error) {
	url = strings.TrimSpace(url)
	id := domain.NewSourceID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source (id, name, url, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (url) DO NOTHING
	`, uuid.UUID(id), name, url, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert source: %w", err)
	}

	var src Source
	var sid uuid.UUID
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, created_at FROM source WHERE url = $1`, url)
	if err := row.Scan(&sid, &src.Name, &src.URL, &src.CreatedAt); err != nil {
		return nil, fmt.Errorf("select source: %w", err)
	}
	src.ID = domain.SourceID(sid)
	return &src, nil
}

func (s *Postgres) GetSource(ctx context.Context, id domain.SourceID) (*Source, error) {
	var src Source
	var sid uuid.UUID
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, created_at FROM source WHERE id = $1`, uuid.UUID(id))
	if err := row.Scan(&sid, &src.Name, &src.URL, &src.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("select source: %w", err)
	}
	src.ID = domain.SourceID(sid)
	return &src, nil
}

func (s *Postgres) EnsureDocument(ctx context.Context, sourceID domain.SourceID, externalID string) (*Document, error) {
	id := domain.NewDocumentID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document (id, source_id, external_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id, external_id) DO NOTHING
	`, uuid.UUID(id), uuid.UUID(sourceID), externalID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}

	return s.selectDocument(ctx,
		`SELECT id, source_id, external_id, created_at FROM document
		 WHERE source_id = $1 AND external_id = $2`,
		uuid.UUID(sourceID), externalID)
}

func (s *Postgres) GetDocument(ctx context.Context, id domain.DocumentID) (*Document, error) {
	return s.selectDocument(ctx,
		`SELECT id, source_id, external_id, created_at FROM document WHERE id = $1`,
		uuid.UUID(id))
}

func (s *Postgres) selectDocument(ctx context.Context, query string, args ...any) (*Document, error) {
	var doc Document
	var did, sid uuid.UUID
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&did, &sid, &doc.ExternalID, &doc.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("select document: %w", err)
	}
	doc.ID = domain.DocumentID(did)
	doc.SourceID = domain.SourceID(sid)
	return &doc, nil
}

func (s *Postgres) LatestVersion(ctx context.Context, documentID domain.DocumentID) (*DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, seq, content_hash, content, created_at
		FROM document_version
		WHERE document_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, uuid.UUID(documentID))
	return scanVersion(row)
}

func (s *Postgres) LatestHash(ctx context.Context, documentID domain.DocumentID) (content.Hash, error) {
	var hash string
	row := s.db.QueryRowContext(ctx, `
		SELECT content_hash
		FROM document_version
		WHERE document_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, uuid.UUID(documentID))
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sentinel.ErrNotFound
		}
		return "", fmt.Errorf("select latest hash: %w", err)
	}
	return content.Hash(hash), nil
}

func (s *Postgres) AppendVersion(ctx context.Context, change AppendChange) (*DocumentVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	version := &DocumentVersion{
		ID:          domain.NewVersionID(),
		DocumentID:  change.DocumentID,
		Seq:         change.PrevSeq + 1,
		ContentHash: change.ContentHash,
		Content:     change.Content,
		CreatedAt:   now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_version (id, document_id, seq, content_hash, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.UUID(version.ID), uuid.UUID(version.DocumentID), version.Seq,
		string(version.ContentHash), string(version.Content), now)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent append advanced the latest version first.
			return nil, sentinel.ErrConflict
		}
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if change.Event != nil {
		diffJSON, err := json.Marshal(change.Event.Diff)
		if err != nil {
			return nil, fmt.Errorf("marshal diff: %w", err)
		}
		var prev *uuid.UUID
		if change.Event.PrevVersionID != nil {
			u := uuid.UUID(*change.Event.PrevVersionID)
			prev = &u
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO change_event (id, document_version_id, prev_version_id, diff, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.UUID(change.Event.ID), uuid.UUID(version.ID), prev, diffJSON, now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, sentinel.ErrConflict
			}
			return nil, fmt.Errorf("insert change event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return version, nil
}

func (s *Postgres) GetVersion(ctx context.Context, id domain.VersionID) (*DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, seq, content_hash, content, created_at
		FROM document_version
		WHERE id = $1
	`, uuid.UUID(id))
	return scanVersion(row)
}

func (s *Postgres) ListVersions(ctx context.Context, documentID domain.DocumentID) ([]*DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, seq, content_hash, content, created_at
		FROM document_version
		WHERE document_id = $1
		ORDER BY seq ASC
	`, uuid.UUID(documentID))
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var out []*DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Postgres) GetChangeEvent(ctx context.Context, id domain.ChangeEventID) (*ChangeEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_version_id, prev_version_id, diff, created_at
		FROM change_event
		WHERE id = $1
	`, uuid.UUID(id))
	return scanEvent(row)
}

func (s *Postgres) GetChangeEventByVersion(ctx context.Context, versionID domain.VersionID) (*ChangeEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_version_id, prev_version_id, diff, created_at
		FROM change_event
		WHERE document_version_id = $1
	`, uuid.UUID(versionID))
	return scanEvent(row)
}

// changeEventWhere builds the shared WHERE clause for change event queries.
func changeEventWhere(filter ChangeFilter) (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where += fmt.Sprintf(" AND ce.created_at >= $%d", len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		where += fmt.Sprintf(" AND ce.created_at <= $%d", len(args))
	}
	if filter.SourceID != nil {
		args = append(args, uuid.UUID(*filter.SourceID))
		where += fmt.Sprintf(" AND d.source_id = $%d", len(args))
	}
	return where, args
}

func (s *Postgres) ListChangeEvents(ctx context.Context, filter ChangeFilter) ([]*ChangeEvent, error) {
	where, args := changeEventWhere(filter)
	query := `
		SELECT ce.id, ce.document_version_id, ce.prev_version_id, ce.diff, ce.created_at
		FROM change_event ce
		JOIN document_version dv ON dv.id = ce.document_version_id
		JOIN document d ON d.id = dv.document_id` + where +
		" ORDER BY ce.created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change events: %w", err)
	}
	defer rows.Close()

	var out []*ChangeEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) CountChangeEvents(ctx context.Context, filter ChangeFilter) (int, error) {
	where, args := changeEventWhere(filter)
	query := `
		SELECT count(*)
		FROM change_event ce
		JOIN document_version dv ON dv.id = ce.document_version_id
		JOIN document d ON d.id = dv.document_id` + where

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count change events: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*DocumentVersion, error) {
	var v DocumentVersion
	var id, docID uuid.UUID
	var hash, body string
	if err := row.Scan(&id, &docID, &v.Seq, &hash, &body, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}
	v.ID = domain.VersionID(id)
	v.DocumentID = domain.DocumentID(docID)
	v.ContentHash = content.Hash(hash)
	v.Content = []byte(body)
	return &v, nil
}

func scanEvent(row rowScanner) (*ChangeEvent, error) {
	var e ChangeEvent
	var id, verID uuid.UUID
	var prev *uuid.UUID
	var diffJSON []byte
	if err := row.Scan(&id, &verID, &prev, &diffJSON, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan change event: %w", err)
	}
	e.ID = domain.ChangeEventID(id)
	e.VersionID = domain.VersionID(verID)
	if prev != nil {
		p := domain.VersionID(*prev)
		e.PrevVersionID = &p
	}
	var d diff.Document
	if err := json.Unmarshal(diffJSON, &d); err != nil {
		return nil, fmt.Errorf("unmarshal diff: %w", err)
	}
	e.Diff = d
	return &e, nil
}
