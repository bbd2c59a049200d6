package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const permissionColumns = `
	p.id, p.resource_type, p.resource_id, p.subject_id, p.email,
	p.permission_level, p.is_public, p.public_token, p.expires_at,
	p.granted_by, p.created_at, p.updated_at
`

const permissionReturning = `
	id, resource_type, resource_id, subject_id, email,
	permission_level, is_public, public_token, expires_at,
	granted_by, created_at, updated_at
`

func scanPermission(row interface{ Scan(...any) error }) (Permission, error) {
	var p Permission
	err := row.Scan(
		&p.ID, &p.ResourceType, &p.ResourceID, &p.SubjectID, &p.Email,
		&p.PermissionLevel, &p.IsPublic, &p.PublicToken, &p.ExpiresAt,
		&p.GrantedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// CreateGrant inserts a permission and its SHARED activity record in one
// transaction. A unique-index violation (duplicate grant) rolls both back.
func (s *PostgresStore) CreateGrant(ctx context.Context, perm Permission, activity ShareActivity) (Permission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Permission{}, fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := scanPermission(tx.QueryRowContext(ctx, `
		INSERT INTO permissions (resource_type, resource_id, subject_id, email, permission_level, is_public, public_token, expires_at, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+permissionReturning+`
	`, perm.ResourceType, perm.ResourceID, perm.SubjectID, perm.Email,
		perm.PermissionLevel, perm.IsPublic, perm.PublicToken, perm.ExpiresAt, perm.GrantedBy))
	if err != nil {
		if IsUniqueViolation(err) {
			return Permission{}, err
		}
		return Permission{}, fmt.Errorf("insert permission: %w", err)
	}

	if err := insertShareActivity(ctx, tx, activity); err != nil {
		return Permission{}, err
	}

	if err := tx.Commit(); err != nil {
		return Permission{}, fmt.Errorf("commit grant tx: %w", err)
	}
	return created, nil
}

// UpdateGrantLevel changes a grant's level and logs PERMISSION_CHANGED in
// the same transaction.
func (s *PostgresStore) UpdateGrantLevel(ctx context.Context, permissionID int64, newLevel string, activity ShareActivity) (Permission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Permission{}, fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := scanPermission(tx.QueryRowContext(ctx, `
		UPDATE permissions SET permission_level=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+permissionReturning+`
	`, permissionID, newLevel))
	if err != nil {
		return Permission{}, err
	}

	if err := insertShareActivity(ctx, tx, activity); err != nil {
		return Permission{}, err
	}

	if err := tx.Commit(); err != nil {
		return Permission{}, fmt.Errorf("commit update tx: %w", err)
	}
	return updated, nil
}

// DeleteGrant removes a grant and logs PERMISSION_REVOKED in the same
// transaction.
func (s *PostgresStore) DeleteGrant(ctx context.Context, permissionID int64, activity ShareActivity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions WHERE id=$1`, permissionID); err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}

	if err := insertShareActivity(ctx, tx, activity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke tx: %w", err)
	}
	return nil
}

// InsertPublicPermission creates a public-link grant. Public links carry
// no activity record. The partial unique index on (resource_type,
// resource_id) WHERE is_public surfaces a duplicate link as a
// unique violation.
func (s *PostgresStore) InsertPublicPermission(ctx context.Context, perm Permission) (Permission, error) {
	created, err := scanPermission(s.db.QueryRowContext(ctx, `
		INSERT INTO permissions (resource_type, resource_id, permission_level, is_public, public_token, expires_at, granted_by)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6)
		RETURNING `+permissionReturning+`
	`, perm.ResourceType, perm.ResourceID, perm.PermissionLevel,
		perm.PublicToken, perm.ExpiresAt, perm.GrantedBy))
	if err != nil {
		if IsUniqueViolation(err) {
			return Permission{}, err
		}
		return Permission{}, fmt.Errorf("insert public permission: %w", err)
	}
	return created, nil
}

func insertShareActivity(ctx context.Context, tx *sql.Tx, activity ShareActivity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO share_activities (actor_id, target_id, target_email, resource_type, resource_id, activity_type, old_permission, new_permission)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, activity.ActorID, activity.TargetID, activity.TargetEmail,
		activity.ResourceType, activity.ResourceID, activity.ActivityType,
		activity.OldPermission, activity.NewPermission)
	if err != nil {
		return fmt.Errorf("insert share activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPermission(ctx context.Context, permissionID int64) (Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM permissions p WHERE p.id=$1
	`, permissionID))
}

func (s *PostgresStore) FindSubjectPermission(ctx context.Context, resourceType string, resourceID, subjectID int64) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM permissions p
		WHERE p.resource_type=$1 AND p.resource_id=$2 AND p.subject_id=$3 AND NOT p.is_public
	`, resourceType, resourceID, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find subject permission: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) FindPublicPermission(ctx context.Context, resourceType string, resourceID int64) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM permissions p
		WHERE p.resource_type=$1 AND p.resource_id=$2 AND p.is_public
	`, resourceType, resourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find public permission: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPermissionByToken(ctx context.Context, token string) (Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM permissions p
		WHERE p.public_token=$1 AND p.is_public
	`, token))
}

func (s *PostgresStore) DeletePublicPermissions(ctx context.Context, resourceType string, resourceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM permissions
		WHERE resource_type=$1 AND resource_id=$2 AND is_public
	`, resourceType, resourceID)
	if err != nil {
		return fmt.Errorf("delete public permissions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResourcePermissions(ctx context.Context, resourceType string, resourceID int64) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+permissionColumns+`, su.user_name, su.email, gu.user_name
		FROM permissions p
		LEFT JOIN users su ON su.id = p.subject_id
		JOIN users gu ON gu.id = p.granted_by
		WHERE p.resource_type=$1 AND p.resource_id=$2
		ORDER BY p.created_at DESC
	`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list resource permissions: %w", err)
	}
	defer rows.Close()

	items := make([]Permission, 0)
	for rows.Next() {
		var p Permission
		if err := rows.Scan(
			&p.ID, &p.ResourceType, &p.ResourceID, &p.SubjectID, &p.Email,
			&p.PermissionLevel, &p.IsPublic, &p.PublicToken, &p.ExpiresAt,
			&p.GrantedBy, &p.CreatedAt, &p.UpdatedAt,
			&p.SubjectName, &p.SubjectEmail, &p.GrantorName,
		); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return items, nil
}

// ListPermissionsBySubject returns grants made to the user, newest first.
// resourceType narrows the listing when non-empty.
func (s *PostgresStore) ListPermissionsBySubject(ctx context.Context, subjectID int64, resourceType string) ([]Permission, error) {
	return s.listPermissions(ctx, `p.subject_id=$1`, subjectID, resourceType)
}

// ListPermissionsByGrantor returns grants made by the user, newest first.
func (s *PostgresStore) ListPermissionsByGrantor(ctx context.Context, grantorID int64, resourceType string) ([]Permission, error) {
	return s.listPermissions(ctx, `p.granted_by=$1 AND NOT p.is_public`, grantorID, resourceType)
}

func (s *PostgresStore) listPermissions(ctx context.Context, where string, userID int64, resourceType string) ([]Permission, error) {
	query := `
		SELECT ` + permissionColumns + `, su.user_name, su.email, gu.user_name
		FROM permissions p
		LEFT JOIN users su ON su.id = p.subject_id
		JOIN users gu ON gu.id = p.granted_by
		WHERE ` + where
	args := []any{userID}
	if resourceType != "" {
		query += ` AND p.resource_type=$2`
		args = append(args, resourceType)
	}
	query += ` ORDER BY p.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	items := make([]Permission, 0)
	for rows.Next() {
		var p Permission
		if err := rows.Scan(
			&p.ID, &p.ResourceType, &p.ResourceID, &p.SubjectID, &p.Email,
			&p.PermissionLevel, &p.IsPublic, &p.PublicToken, &p.ExpiresAt,
			&p.GrantedBy, &p.CreatedAt, &p.UpdatedAt,
			&p.SubjectName, &p.SubjectEmail, &p.GrantorName,
		); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return items, nil
}

// ListShareActivity returns the newest activity records for a resource.
// The table is append-only; the cap applies at read time.
func (s *PostgresStore) ListShareActivity(ctx context.Context, resourceType string, resourceID int64, limit int) ([]ShareActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, target_id, target_email, resource_type, resource_id, activity_type, old_permission, new_permission, created_at
		FROM share_activities
		WHERE resource_type=$1 AND resource_id=$2
		ORDER BY created_at DESC
		LIMIT $3
	`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list share activity: %w", err)
	}
	defer rows.Close()

	items := make([]ShareActivity, 0)
	for rows.Next() {
		var a ShareActivity
		if err := rows.Scan(
			&a.ID, &a.ActorID, &a.TargetID, &a.TargetEmail,
			&a.ResourceType, &a.ResourceID, &a.ActivityType,
			&a.OldPermission, &a.NewPermission, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan share activity: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate share activity: %w", err)
	}
	return items, nil
}
