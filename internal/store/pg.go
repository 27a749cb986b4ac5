package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sinkron/sinkron/internal/protocol"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

var _ Store = (*Postgres)(nil)

func (s *Postgres) GetCollection(ctx context.Context, id string) (*Collection, error) {
	var col Collection
	err := s.Pool.QueryRow(ctx,
		`SELECT id, is_ref, colrev, permissions FROM collections WHERE id = $1`,
		id).Scan(&col.ID, &col.IsRef, &col.Colrev, &col.Permissions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, protocol.NotFound("collection not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return &col, nil
}

func (s *Postgres) CreateCollection(ctx context.Context, id string, isRef bool, permissions string) (*Collection, error) {
	var cnt int64
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM collections WHERE id = $1`, id).Scan(&cnt)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	if cnt != 0 {
		return nil, protocol.Unprocessable("duplicate collection id")
	}
	_, err = s.Pool.Exec(ctx,
		`INSERT INTO collections (id, is_ref, colrev, permissions)
		 VALUES ($1, $2, 0, $3)`,
		id, isRef, permissions)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Collection{ID: id, IsRef: isRef, Colrev: 0, Permissions: permissions}, nil
}

func (s *Postgres) DeleteCollection(ctx context.Context, id string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM refs WHERE col_id = $1`, id); err != nil {
		return fmt.Errorf("delete collection refs: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM documents WHERE col_id = $1`, id); err != nil {
		return fmt.Errorf("delete collection documents: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return protocol.NotFound("collection not found")
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateCollectionPermissions(ctx context.Context, id, permissions string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE collections SET permissions = $2 WHERE id = $1`,
		id, permissions)
	if err != nil {
		return fmt.Errorf("update collection permissions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return protocol.NotFound("collection not found")
	}
	return nil
}

func (s *Postgres) IncrementColrev(ctx context.Context, id string) (int64, error) {
	var colrev int64
	err := s.Pool.QueryRow(ctx,
		`UPDATE collections SET colrev = colrev + 1 WHERE id = $1 RETURNING colrev`,
		id).Scan(&colrev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, protocol.NotFound("collection not found")
	}
	if err != nil {
		return 0, fmt.Errorf("increment colrev: %w", err)
	}
	return colrev, nil
}

func (s *Postgres) GetDocument(ctx context.Context, col string, id uuid.UUID) (*Document, error) {
	var doc Document
	err := s.Pool.QueryRow(ctx,
		`SELECT id, created_at, updated_at, col_id, colrev, data, is_deleted, permissions
		 FROM documents WHERE id = $1 AND col_id = $2`,
		id, col).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt, &doc.ColID,
		&doc.Colrev, &doc.Data, &doc.IsDeleted, &doc.Permissions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, protocol.NotFound("document not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

func (s *Postgres) DocumentExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var cnt int64
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM documents WHERE id = $1`, id).Scan(&cnt)
	if err != nil {
		return false, fmt.Errorf("count documents: %w", err)
	}
	return cnt != 0, nil
}

func (s *Postgres) InsertDocument(ctx context.Context, doc *Document) (time.Time, error) {
	var createdAt time.Time
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO documents (id, col_id, colrev, data, is_deleted, permissions)
		 VALUES ($1, $2, $3, $4, false, $5)
		 RETURNING created_at`,
		doc.ID, doc.ColID, doc.Colrev, doc.Data, doc.Permissions).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("insert document: %w", err)
	}
	return createdAt, nil
}

func (s *Postgres) UpdateDocument(ctx context.Context, col string, id uuid.UUID, data []byte, colrev int64, isDeleted bool) (time.Time, error) {
	var updatedAt time.Time
	err := s.Pool.QueryRow(ctx,
		`UPDATE documents
		 SET data = $3, colrev = $4, is_deleted = $5, updated_at = now()
		 WHERE id = $1 AND col_id = $2
		 RETURNING updated_at`,
		id, col, data, colrev, isDeleted).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, protocol.NotFound("document not found")
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("update document: %w", err)
	}
	return updatedAt, nil
}

func (s *Postgres) UpdateDocumentPermissions(ctx context.Context, col string, id uuid.UUID, permissions string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE documents SET permissions = $3 WHERE id = $1 AND col_id = $2`,
		id, col, permissions)
	if err != nil {
		return fmt.Errorf("update document permissions: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return protocol.NotFound("document not found")
	}
	return nil
}

func (s *Postgres) ListDocuments(ctx context.Context, col string, since int64) ([]Document, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if since == 0 {
		rows, err = s.Pool.Query(ctx,
			`SELECT id, created_at, updated_at, col_id, colrev, data, is_deleted, permissions
			 FROM documents
			 WHERE col_id = $1 AND is_deleted = false
			 ORDER BY created_at ASC`, col)
	} else {
		rows, err = s.Pool.Query(ctx,
			`SELECT id, created_at, updated_at, col_id, colrev, data, is_deleted, permissions
			 FROM documents
			 WHERE col_id = $1 AND colrev > $2
			 ORDER BY created_at ASC`, col, since)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt, &doc.ColID,
			&doc.Colrev, &doc.Data, &doc.IsDeleted, &doc.Permissions); err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func (s *Postgres) GroupExists(ctx context.Context, id string) (bool, error) {
	var cnt int64
	err := s.Pool.QueryRow(ctx,
		`SELECT count(*) FROM groups WHERE id = $1`, id).Scan(&cnt)
	if err != nil {
		return false, fmt.Errorf("count groups: %w", err)
	}
	return cnt != 0, nil
}

func (s *Postgres) CreateGroup(ctx context.Context, id string) error {
	exists, err := s.GroupExists(ctx, id)
	if err != nil {
		return err
	}
	if exists {
		return protocol.Unprocessable("duplicate group id")
	}
	if _, err := s.Pool.Exec(ctx,
		`INSERT INTO groups (id) VALUES ($1)`, id); err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteGroup(ctx context.Context, id string) ([]string, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("delete group: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`DELETE FROM members WHERE "group" = $1 RETURNING "user"`, id)
	if err != nil {
		return nil, fmt.Errorf("delete group members: %w", err)
	}
	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			rows.Close()
			return nil, fmt.Errorf("delete group members: %w", err)
		}
		users = append(users, user)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delete group members: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, protocol.NotFound("group not found")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("delete group: %w", err)
	}
	return users, nil
}

func (s *Postgres) AddMember(ctx context.Context, user, group string) error {
	exists, err := s.GroupExists(ctx, group)
	if err != nil {
		return err
	}
	if !exists {
		return protocol.NotFound("group not found")
	}
	if _, err := s.Pool.Exec(ctx,
		`INSERT INTO members (id, "user", "group") VALUES ($1, $2, $3)`,
		uuid.New(), user, group); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *Postgres) RemoveMember(ctx context.Context, user, group string) error {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM members WHERE "user" = $1 AND "group" = $2`,
		user, group)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return protocol.NotFound("group member not found")
	}
	return nil
}

func (s *Postgres) RemoveAllMembers(ctx context.Context, user string) error {
	if _, err := s.Pool.Exec(ctx,
		`DELETE FROM members WHERE "user" = $1`, user); err != nil {
		return fmt.Errorf("remove members: %w", err)
	}
	return nil
}

func (s *Postgres) UserGroups(ctx context.Context, user string) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT "group" FROM members WHERE "user" = $1`, user)
	if err != nil {
		return nil, fmt.Errorf("user groups: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Postgres) GroupMembers(ctx context.Context, group string) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT "user" FROM members WHERE "group" = $1`, group)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
