package store

import (
	"context"
	"os"
	"strings"
	"testing"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("MELLO_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MELLO_TEST_DATABASE_URL is not set")
	}
	return dsn
}

// TestPermissionsUniqueIndexes verifies that duplicate grants and second
// public links are rejected at the database level, not only by the
// application pre-checks.
func TestPermissionsUniqueIndexes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	var ownerID, subjectID int64
	if err := db.QueryRowContext(ctx, `
		INSERT INTO users (user_name, email) VALUES ('owner', 'owner-uniq@test.local')
		ON CONFLICT (email) DO UPDATE SET user_name=EXCLUDED.user_name
		RETURNING id
	`).Scan(&ownerID); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	if err := db.QueryRowContext(ctx, `
		INSERT INTO users (user_name, email) VALUES ('subject', 'subject-uniq@test.local')
		ON CONFLICT (email) DO UPDATE SET user_name=EXCLUDED.user_name
		RETURNING id
	`).Scan(&subjectID); err != nil {
		t.Fatalf("seed subject: %v", err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, `DELETE FROM permissions WHERE granted_by=$1`, ownerID)
		_, _ = db.ExecContext(ctx, `DELETE FROM users WHERE id IN ($1,$2)`, ownerID, subjectID)
	}()

	insertGrant := func() error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO permissions (resource_type, resource_id, subject_id, permission_level, granted_by)
			VALUES ('NOTE', 900001, $1, 'VIEWER', $2)
		`, subjectID, ownerID)
		return err
	}
	if err := insertGrant(); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if err := insertGrant(); !IsUniqueViolation(err) {
		t.Fatalf("duplicate grant error = %v, want unique violation", err)
	}

	insertPublic := func(token string) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO permissions (resource_type, resource_id, permission_level, is_public, public_token, granted_by)
			VALUES ('NOTE', 900001, 'VIEWER', TRUE, $1, $2)
		`, token, ownerID)
		return err
	}
	if err := insertPublic("uniq-token-a"); err != nil {
		t.Fatalf("first public link: %v", err)
	}
	if err := insertPublic("uniq-token-b"); !IsUniqueViolation(err) {
		t.Fatalf("second public link error = %v, want unique violation", err)
	}
}
