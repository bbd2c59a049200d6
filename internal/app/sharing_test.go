package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"mello/api/internal/resource"
	"mello/api/internal/store"
)

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Status
}

func TestShareResourceRequiresOwnership(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)

	_, err := env.service.ShareResource(context.Background(), 99, ShareInput{
		ResourceType: "NOTE", ResourceID: 1, Email: "friend@example.com", Level: "VIEWER",
	})
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
	if len(env.store.permissions) != 0 {
		t.Fatalf("non-owner share created %d permissions", len(env.store.permissions))
	}
	if len(env.store.activities) != 0 {
		t.Fatalf("non-owner share logged %d activities", len(env.store.activities))
	}
}

func TestShareResourceConvertsEmailToSubject(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)
	env.store.users[10] = store.User{ID: 10, UserName: "owner", Email: "owner@example.com"}
	env.store.users[20] = store.User{ID: 20, UserName: "friend", Email: "friend@example.com"}

	perm, err := env.service.ShareResource(context.Background(), 10, ShareInput{
		ResourceType: "NOTE", ResourceID: 1, Email: "friend@example.com", Level: "EDITOR",
	})
	if err != nil {
		t.Fatalf("ShareResource: %v", err)
	}
	if perm.SubjectID == nil || *perm.SubjectID != 20 {
		t.Fatalf("SubjectID = %v, want 20", perm.SubjectID)
	}
	if perm.Email != nil {
		t.Fatalf("Email = %v, want nil after conversion", *perm.Email)
	}
	if perm.PermissionLevel != "EDITOR" {
		t.Fatalf("PermissionLevel = %q, want EDITOR", perm.PermissionLevel)
	}
	if len(env.store.activities) != 1 || env.store.activities[0].ActivityType != store.ActivityShared {
		t.Fatalf("activities = %+v, want one SHARED record", env.store.activities)
	}
	if len(env.mailer.sent) != 1 || env.mailer.sent[0].to != "friend@example.com" {
		t.Fatalf("invites = %+v, want one to friend@example.com", env.mailer.sent)
	}
}

func TestShareResourceKeepsUnknownEmailPending(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeTask, 2, 10)
	env.store.users[10] = store.User{ID: 10, UserName: "owner", Email: "owner@example.com"}

	perm, err := env.service.ShareResource(context.Background(), 10, ShareInput{
		ResourceType: "TASK", ResourceID: 2, Email: "stranger@example.com",
	})
	if err != nil {
		t.Fatalf("ShareResource: %v", err)
	}
	if perm.SubjectID != nil {
		t.Fatalf("SubjectID = %v, want nil for unregistered email", *perm.SubjectID)
	}
	if perm.Email == nil || *perm.Email != "stranger@example.com" {
		t.Fatalf("Email = %v, want stranger@example.com", perm.Email)
	}
	if perm.PermissionLevel != "VIEWER" {
		t.Fatalf("PermissionLevel = %q, want VIEWER default", perm.PermissionLevel)
	}
}

func TestShareResourceDuplicateIsConflict(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)
	env.store.grantErr = &pgconn.PgError{Code: "23505"}

	subjectID := int64(20)
	_, err := env.service.ShareResource(context.Background(), 10, ShareInput{
		ResourceType: "NOTE", ResourceID: 1, UserID: &subjectID,
	})
	if status := domainStatus(t, err); status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
}

func TestShareResourceNeedsRecipient(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)

	_, err := env.service.ShareResource(context.Background(), 10, ShareInput{
		ResourceType: "NOTE", ResourceID: 1,
	})
	if status := domainStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestUpdatePermissionDerivesOwnershipFromGrant(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)
	subjectID := int64(20)
	created, err := env.store.CreateGrant(context.Background(), store.Permission{
		ResourceType: "NOTE", ResourceID: 1, SubjectID: &subjectID,
		PermissionLevel: "VIEWER", GrantedBy: 10,
	}, store.ShareActivity{ResourceType: "NOTE", ResourceID: 1})
	if err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	// The subject of the grant is not the resource owner.
	_, err = env.service.UpdatePermission(context.Background(), 20, created.ID, "ADMIN")
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}

	updated, err := env.service.UpdatePermission(context.Background(), 10, created.ID, "ADMIN")
	if err != nil {
		t.Fatalf("UpdatePermission as owner: %v", err)
	}
	if updated.PermissionLevel != "ADMIN" {
		t.Fatalf("PermissionLevel = %q, want ADMIN", updated.PermissionLevel)
	}
	last := env.store.activities[len(env.store.activities)-1]
	if last.ActivityType != store.ActivityPermissionChanged ||
		last.OldPermission == nil || *last.OldPermission != "VIEWER" ||
		last.NewPermission == nil || *last.NewPermission != "ADMIN" {
		t.Fatalf("activity = %+v, want PERMISSION_CHANGED VIEWER->ADMIN", last)
	}
}

func TestUpdatePermissionMissingIsNotFound(t *testing.T) {
	env := newTestEnv()
	_, err := env.service.UpdatePermission(context.Background(), 10, 999, "EDITOR")
	if status := domainStatus(t, err); status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestRevokePermissionLogsOldLevel(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)
	subjectID := int64(20)
	created, err := env.store.CreateGrant(context.Background(), store.Permission{
		ResourceType: "NOTE", ResourceID: 1, SubjectID: &subjectID,
		PermissionLevel: "EDITOR", GrantedBy: 10,
	}, store.ShareActivity{ResourceType: "NOTE", ResourceID: 1})
	if err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	if err := env.service.RevokePermission(context.Background(), 10, created.ID); err != nil {
		t.Fatalf("RevokePermission: %v", err)
	}
	if _, ok := env.store.permissions[created.ID]; ok {
		t.Fatal("permission still present after revoke")
	}
	last := env.store.activities[len(env.store.activities)-1]
	if last.ActivityType != store.ActivityPermissionRevoked ||
		last.OldPermission == nil || *last.OldPermission != "EDITOR" {
		t.Fatalf("activity = %+v, want PERMISSION_REVOKED with old EDITOR", last)
	}
}

func TestCreatePublicLinkMintsToken(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeFile, 5, 10)

	link, err := env.service.CreatePublicLink(context.Background(), 10, "FILE", 5, "VIEWER")
	if err != nil {
		t.Fatalf("CreatePublicLink: %v", err)
	}
	if len(link.Token) != 64 {
		t.Fatalf("token length = %d, want 64 hex chars", len(link.Token))
	}
	if want := "https://app.mello.test/shared/" + link.Token; link.URL != want {
		t.Fatalf("URL = %q, want %q", link.URL, want)
	}
	// Public link creation is not an audited share action.
	if len(env.store.activities) != 0 {
		t.Fatalf("public link logged %d activities, want 0", len(env.store.activities))
	}
}

func TestCreatePublicLinkSecondIsConflict(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeFile, 5, 10)

	if _, err := env.service.CreatePublicLink(context.Background(), 10, "FILE", 5, "VIEWER"); err != nil {
		t.Fatalf("first CreatePublicLink: %v", err)
	}
	_, err := env.service.CreatePublicLink(context.Background(), 10, "FILE", 5, "VIEWER")
	if status := domainStatus(t, err); status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
}

func TestCreatePublicLinkConcurrentInsertIsConflict(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeFile, 5, 10)
	env.store.insertPublicErr = &pgconn.PgError{Code: "23505"}

	_, err := env.service.CreatePublicLink(context.Background(), 10, "FILE", 5, "VIEWER")
	if status := domainStatus(t, err); status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
}

func TestDeletePublicLinkAbsentIsNoOp(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeFile, 5, 10)
	if err := env.service.DeletePublicLink(context.Background(), 10, "FILE", 5); err != nil {
		t.Fatalf("DeletePublicLink without link: %v", err)
	}
}

func TestCheckPermissionOwnerAlwaysOwner(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)

	check, err := env.service.CheckPermission(context.Background(), 10, "NOTE", 1)
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if !check.HasAccess || check.PermissionLevel == nil || *check.PermissionLevel != "OWNER" {
		t.Fatalf("check = %+v, want OWNER access", check)
	}
}

func TestCheckPermissionExpiredGrant(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)
	subjectID := int64(20)
	expired := time.Now().Add(-time.Hour)
	if _, err := env.store.CreateGrant(context.Background(), store.Permission{
		ResourceType: "NOTE", ResourceID: 1, SubjectID: &subjectID,
		PermissionLevel: "EDITOR", ExpiresAt: &expired, GrantedBy: 10,
	}, store.ShareActivity{ResourceType: "NOTE", ResourceID: 1}); err != nil {
		t.Fatalf("seed grant: %v", err)
	}

	check, err := env.service.CheckPermission(context.Background(), 20, "NOTE", 1)
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if check.HasAccess || !check.Expired {
		t.Fatalf("check = %+v, want no access with expired flag", check)
	}
}

func TestCheckPermissionNoGrant(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)

	check, err := env.service.CheckPermission(context.Background(), 20, "NOTE", 1)
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if check.HasAccess || check.Expired || check.PermissionLevel != nil {
		t.Fatalf("check = %+v, want plain denial", check)
	}
}

func TestAccessPublicResourceMissingVsExpired(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)

	_, err := env.service.AccessPublicResource(context.Background(), "no-such-token")
	if status := domainStatus(t, err); status != http.StatusNotFound {
		t.Fatalf("missing token status = %d, want 404", status)
	}

	token := "deadbeef"
	expired := time.Now().Add(-time.Minute)
	if _, err := env.store.InsertPublicPermission(context.Background(), store.Permission{
		ResourceType: "NOTE", ResourceID: 1, PermissionLevel: "VIEWER",
		IsPublic: true, PublicToken: &token, ExpiresAt: &expired, GrantedBy: 10,
	}); err != nil {
		t.Fatalf("seed public permission: %v", err)
	}
	_, err = env.service.AccessPublicResource(context.Background(), token)
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("expired token status = %d, want 403", status)
	}
}

func TestAccessPublicResourceResolves(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)
	token := "cafebabe"
	if _, err := env.store.InsertPublicPermission(context.Background(), store.Permission{
		ResourceType: "NOTE", ResourceID: 1, PermissionLevel: "COMMENTER",
		IsPublic: true, PublicToken: &token, GrantedBy: 10,
	}); err != nil {
		t.Fatalf("seed public permission: %v", err)
	}

	public, err := env.service.AccessPublicResource(context.Background(), token)
	if err != nil {
		t.Fatalf("AccessPublicResource: %v", err)
	}
	if public.Resource == nil || public.Resource.ID != 1 {
		t.Fatalf("resource = %+v, want note 1", public.Resource)
	}
	if public.PermissionLevel != "COMMENTER" {
		t.Fatalf("PermissionLevel = %q, want COMMENTER", public.PermissionLevel)
	}
}

func TestDownloadPublicFileRejectsNonFiles(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)
	token := "notetoken"
	if _, err := env.store.InsertPublicPermission(context.Background(), store.Permission{
		ResourceType: "NOTE", ResourceID: 1, PermissionLevel: "VIEWER",
		IsPublic: true, PublicToken: &token, GrantedBy: 10,
	}); err != nil {
		t.Fatalf("seed public permission: %v", err)
	}

	_, err := env.service.DownloadPublicFile(context.Background(), token)
	if status := domainStatus(t, err); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestDownloadPublicFileStreams(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeFile, 5, 10)
	token := "filetoken"
	if _, err := env.store.InsertPublicPermission(context.Background(), store.Permission{
		ResourceType: "FILE", ResourceID: 5, PermissionLevel: "VIEWER",
		IsPublic: true, PublicToken: &token, GrantedBy: 10,
	}); err != nil {
		t.Fatalf("seed public permission: %v", err)
	}
	env.store.files[5] = store.FileDownload{
		ID: 5, Name: "report.pdf", Path: "/docs", ContentType: "application/pdf",
		Size: 11, OwnerStorageGUID: "guid-10",
	}
	env.files.content["guid-10/docs/report.pdf"] = "pdf-content"

	download, err := env.service.DownloadPublicFile(context.Background(), token)
	if err != nil {
		t.Fatalf("DownloadPublicFile: %v", err)
	}
	defer download.Body.Close()
	if download.Meta.Name != "report.pdf" || download.Size != 11 {
		t.Fatalf("download = %+v size %d, want report.pdf/11", download.Meta, download.Size)
	}
}

func TestSharedWithMeDropsGoneResources(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)
	subjectID := int64(20)
	for _, resourceID := range []int64{1, 2} { // note 2 does not exist
		if _, err := env.store.CreateGrant(context.Background(), store.Permission{
			ResourceType: "NOTE", ResourceID: resourceID, SubjectID: &subjectID,
			PermissionLevel: "VIEWER", GrantedBy: 10,
		}, store.ShareActivity{ResourceType: "NOTE", ResourceID: resourceID}); err != nil {
			t.Fatalf("seed grant: %v", err)
		}
	}

	resources, err := env.service.SharedWithMe(context.Background(), 20, "")
	if err != nil {
		t.Fatalf("SharedWithMe: %v", err)
	}
	if len(resources) != 1 || resources[0].Resource.ID != 1 {
		t.Fatalf("resources = %+v, want only note 1", resources)
	}
}

func TestSharingActivityOwnerOnly(t *testing.T) {
	env := newTestEnv()
	env.catalog.addResource(resource.TypeNote, 1, 10)

	_, err := env.service.SharingActivity(context.Background(), 20, "NOTE", 1)
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
}

func TestGenerateTokenIsHex(t *testing.T) {
	token, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("token length = %d, want 64", len(token))
	}
	if strings.ToLower(token) != token {
		t.Fatalf("token %q is not lowercase hex", token)
	}
}
