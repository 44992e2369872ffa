package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docvault/internal/model"
	"docvault/internal/repository"
)

// DocumentPostgres is a PostgreSQL implementation of repository.DocumentRepository.
// It uses database/sql with parameterized queries and contains no business logic.
type DocumentPostgres struct {
	db *sql.DB
}

// NewDocumentPostgres creates a new DocumentPostgres repository.
func NewDocumentPostgres(db *sql.DB) *DocumentPostgres {
	return &DocumentPostgres{db: db}
}

var _ repository.DocumentRepository = (*DocumentPostgres)(nil)

const columns = `id, owner_id, storage_key, wrapped_key, key_id, iv, algorithm,
		original_name, mime_type, size_bytes, uploaded_at, uploaded_by, month, year, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*model.Document, error) {
	var (
		d         model.Document
		deletedAt sql.NullTime
	)
	if err := s.Scan(
		&d.ID,
		&d.OwnerID,
		&d.StorageKey,
		&d.WrappedKey,
		&d.KeyID,
		&d.IV,
		&d.Algorithm,
		&d.OriginalName,
		&d.MimeType,
		&d.SizeBytes,
		&d.UploadedAt,
		&d.UploadedBy,
		&d.Month,
		&d.Year,
		&deletedAt,
	); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		d.DeletedAt = &t
	}
	return &d, nil
}

// Create inserts a new document row and returns the stored record.
func (r *DocumentPostgres) Create(ctx context.Context, doc *model.Document) (*model.Document, error) {
	const q = `
		INSERT INTO documents (id, owner_id, storage_key, wrapped_key, key_id, iv, algorithm,
			original_name, mime_type, size_bytes, uploaded_at, uploaded_by, month, year)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + columns
	row := r.db.QueryRowContext(ctx, q,
		doc.ID,
		doc.OwnerID,
		doc.StorageKey,
		doc.WrappedKey,
		doc.KeyID,
		doc.IV,
		doc.Algorithm,
		doc.OriginalName,
		doc.MimeType,
		doc.SizeBytes,
		doc.UploadedAt,
		doc.UploadedBy,
		doc.Month,
		doc.Year,
	)
	return scanDocument(row)
}

// FindByID fetches a single live document by its ID.
func (r *DocumentPostgres) FindByID(ctx context.Context, id string) (*model.Document, error) {
	const q = `SELECT ` + columns + ` FROM documents WHERE id = $1 AND deleted_at IS NULL`
	d, err := scanDocument(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (r *DocumentPostgres) FindByOwner(ctx context.Context, ownerID string, f model.Filter, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	if ownerID == "" {
		return &repository.PageResult[model.Document]{Items: []model.Document{}}, nil
	}
	f.OwnerID = ownerID
	return r.find(ctx, f, pq)
}

func (r *DocumentPostgres) FindAll(ctx context.Context, f model.Filter, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	return r.find(ctx, f, pq)
}

// whereClause renders the filter as AND-ed predicates over live rows.
func whereClause(f model.Filter) (string, []any) {
	conds := []string{"deleted_at IS NULL"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Month != "" {
		add("month = $%d", f.Month)
	}
	if f.Year != "" {
		add("year = $%d", f.Year)
	}
	if f.NamePattern != "" {
		add("original_name ILIKE $%d", "%"+escapeLike(f.NamePattern)+"%")
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (r *DocumentPostgres) find(ctx context.Context, f model.Filter, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	where, args := whereClause(f)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	q := `SELECT ` + columns + ` FROM documents` + where + ` ORDER BY uploaded_at DESC, id DESC`
	if pq.Limit > 0 {
		args = append(args, pq.Limit, pq.Offset)
		q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &repository.PageResult[model.Document]{
		Items: items,
		Total: total,
	}, nil
}

// Delete removes a document row, marked or not.
func (r *DocumentPostgres) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// MarkDeleted is a conditional update, so concurrent deletes race on the
// row and exactly one wins.
func (r *DocumentPostgres) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE documents SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, id, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (r *DocumentPostgres) FindMarked(ctx context.Context, limit int) ([]model.Document, error) {
	const q = `SELECT ` + columns + ` FROM documents WHERE deleted_at IS NOT NULL ORDER BY deleted_at LIMIT $1`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *DocumentPostgres) ExistsByStorageKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE storage_key = $1)`, key).Scan(&exists)
	return exists, err
}

func (r *DocumentPostgres) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
