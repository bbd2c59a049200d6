package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
// The partial unique indexes on permissions surface duplicate grants and
// duplicate public links this way under concurrent callers.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_name, email, storage_guid, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.UserName, &user.Email, &user.StorageGUID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// FindUserByEmail returns nil without error when no user has the email,
// which turns an email share into a pending invite instead of a grant.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_name, email, storage_guid, created_at, updated_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.UserName, &user.Email, &user.StorageGUID, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

func (s *PostgresStore) GetFileForDownload(ctx context.Context, fileID int64) (FileDownload, error) {
	var file FileDownload
	err := s.db.QueryRowContext(ctx, `
		SELECT f.id, f.name, f.path, f.content_type, f.size, u.storage_guid
		FROM files f
		JOIN users u ON u.id = f.user_id
		WHERE f.id=$1
	`, fileID).Scan(&file.ID, &file.Name, &file.Path, &file.ContentType, &file.Size, &file.OwnerStorageGUID)
	if err != nil {
		return FileDownload{}, err
	}
	return file, nil
}
