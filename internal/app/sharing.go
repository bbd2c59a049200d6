package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"mello/api/internal/level"
	"mello/api/internal/resource"
	"mello/api/internal/storage"
	"mello/api/internal/store"
)

const activityLogLimit = 100

type ShareInput struct {
	ResourceType string
	ResourceID   int64
	Email        string
	UserID       *int64
	Level        string
	ExpiresAt    *time.Time
}

// ShareResource grants a user (or a pending email) access to a resource
// owned by grantedBy. An email belonging to a registered user converts
// to a subject grant; otherwise the grant stays attached to the email
// until that user signs up.
func (s *Service) ShareResource(ctx context.Context, grantedBy int64, in ShareInput) (store.Permission, error) {
	if !resource.ValidType(resource.Type(in.ResourceType)) {
		return store.Permission{}, errBadRequest("unknown resource type")
	}
	if in.Email == "" && in.UserID == nil {
		return store.Permission{}, errBadRequest("either email or userId is required")
	}
	grantLevel := level.Normalize(in.Level)

	if err := s.requireOwnership(ctx, in.ResourceType, in.ResourceID, grantedBy, "You don't have permission to share this resource"); err != nil {
		return store.Permission{}, err
	}

	subjectID := in.UserID
	var email *string
	if subjectID == nil {
		user, err := s.store.FindUserByEmail(ctx, in.Email)
		if err != nil {
			return store.Permission{}, err
		}
		if user != nil {
			subjectID = &user.ID
		} else {
			addr := strings.TrimSpace(in.Email)
			email = &addr
		}
	}

	perm := store.Permission{
		ResourceType:    in.ResourceType,
		ResourceID:      in.ResourceID,
		SubjectID:       subjectID,
		Email:           email,
		PermissionLevel: string(grantLevel),
		ExpiresAt:       in.ExpiresAt,
		GrantedBy:       grantedBy,
	}
	newLevel := string(grantLevel)
	activity := store.ShareActivity{
		ActorID:       grantedBy,
		TargetID:      subjectID,
		TargetEmail:   email,
		ResourceType:  in.ResourceType,
		ResourceID:    in.ResourceID,
		ActivityType:  store.ActivityShared,
		NewPermission: &newLevel,
	}

	created, err := s.store.CreateGrant(ctx, perm, activity)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.Permission{}, errConflict("Permission already exists for this user/email")
		}
		return store.Permission{}, err
	}

	s.sendShareInvite(ctx, grantedBy, created, in.Email)
	return created, nil
}

// sendShareInvite is best-effort: a failed or unconfigured mailer never
// fails the share.
func (s *Service) sendShareInvite(ctx context.Context, grantedBy int64, perm store.Permission, rawEmail string) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}

	to := rawEmail
	if to == "" && perm.SubjectID != nil {
		user, err := s.store.GetUserByID(ctx, *perm.SubjectID)
		if err != nil {
			log.Printf("share invite: load recipient: %v", err)
			return
		}
		to = user.Email
	}
	if to == "" {
		return
	}

	inviter, err := s.store.GetUserByID(ctx, grantedBy)
	if err != nil {
		log.Printf("share invite: load inviter: %v", err)
		return
	}

	expiresNote := ""
	if perm.ExpiresAt != nil {
		expiresNote = "This access expires on " + perm.ExpiresAt.Format("2006-01-02") + "."
	}
	if err := s.mail.SendShareInvite(to, inviter.UserName, perm.ResourceType, perm.PermissionLevel, s.frontendURL, expiresNote); err != nil {
		log.Printf("share invite: send to %s: %v", to, err)
	}
}

// ResourcePermissions lists all grants on a resource, newest first.
// Owner only.
func (s *Service) ResourcePermissions(ctx context.Context, callerID int64, resourceType string, resourceID int64) ([]store.Permission, error) {
	if !resource.ValidType(resource.Type(resourceType)) {
		return nil, errBadRequest("unknown resource type")
	}
	if err := s.requireOwnership(ctx, resourceType, resourceID, callerID, "You don't have permission to view these permissions"); err != nil {
		return nil, err
	}
	return s.store.ListResourcePermissions(ctx, resourceType, resourceID)
}

// UpdatePermission changes a grant's level. Ownership is re-derived from
// the permission row, never taken from the caller's input.
func (s *Service) UpdatePermission(ctx context.Context, callerID, permissionID int64, newLevel string) (store.Permission, error) {
	if !level.Valid(level.Level(newLevel)) {
		return store.Permission{}, errBadRequest("unknown permission level")
	}

	perm, err := s.store.GetPermission(ctx, permissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Permission{}, errNotFound("Permission not found")
	}
	if err != nil {
		return store.Permission{}, err
	}

	if err := s.requireOwnership(ctx, perm.ResourceType, perm.ResourceID, callerID, "You don't have permission to update this permission"); err != nil {
		return store.Permission{}, err
	}

	oldLevel := perm.PermissionLevel
	activity := store.ShareActivity{
		ActorID:       callerID,
		TargetID:      perm.SubjectID,
		TargetEmail:   perm.Email,
		ResourceType:  perm.ResourceType,
		ResourceID:    perm.ResourceID,
		ActivityType:  store.ActivityPermissionChanged,
		OldPermission: &oldLevel,
		NewPermission: &newLevel,
	}
	return s.store.UpdateGrantLevel(ctx, permissionID, newLevel, activity)
}

// RevokePermission deletes a grant. Owner only.
func (s *Service) RevokePermission(ctx context.Context, callerID, permissionID int64) error {
	perm, err := s.store.GetPermission(ctx, permissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound("Permission not found")
	}
	if err != nil {
		return err
	}

	if err := s.requireOwnership(ctx, perm.ResourceType, perm.ResourceID, callerID, "You don't have permission to revoke this permission"); err != nil {
		return err
	}

	oldLevel := perm.PermissionLevel
	activity := store.ShareActivity{
		ActorID:       callerID,
		TargetID:      perm.SubjectID,
		TargetEmail:   perm.Email,
		ResourceType:  perm.ResourceType,
		ResourceID:    perm.ResourceID,
		ActivityType:  store.ActivityPermissionRevoked,
		OldPermission: &oldLevel,
	}
	return s.store.DeleteGrant(ctx, permissionID, activity)
}

type PublicLink struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// CreatePublicLink mints a tokenized ownerless grant. At most one public
// link exists per resource; a concurrent duplicate insert surfaces as a
// unique violation and maps to the same Conflict as the pre-check.
func (s *Service) CreatePublicLink(ctx context.Context, callerID int64, resourceType string, resourceID int64, linkLevel string) (PublicLink, error) {
	if !resource.ValidType(resource.Type(resourceType)) {
		return PublicLink{}, errBadRequest("unknown resource type")
	}
	grantLevel := level.Normalize(linkLevel)

	if err := s.requireOwnership(ctx, resourceType, resourceID, callerID, "You don't have permission to create public link"); err != nil {
		return PublicLink{}, err
	}

	existing, err := s.store.FindPublicPermission(ctx, resourceType, resourceID)
	if err != nil {
		return PublicLink{}, err
	}
	if existing != nil {
		return PublicLink{}, errConflict("Public link already exists")
	}

	token, err := generateToken()
	if err != nil {
		return PublicLink{}, err
	}

	_, err = s.store.InsertPublicPermission(ctx, store.Permission{
		ResourceType:    resourceType,
		ResourceID:      resourceID,
		PermissionLevel: string(grantLevel),
		IsPublic:        true,
		PublicToken:     &token,
		GrantedBy:       callerID,
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			return PublicLink{}, errConflict("Public link already exists")
		}
		return PublicLink{}, err
	}

	return PublicLink{Token: token, URL: s.frontendURL + "/shared/" + token}, nil
}

// DeletePublicLink removes the resource's public link. Owner only;
// deleting an absent link is a no-op.
func (s *Service) DeletePublicLink(ctx context.Context, callerID int64, resourceType string, resourceID int64) error {
	if !resource.ValidType(resource.Type(resourceType)) {
		return errBadRequest("unknown resource type")
	}
	if err := s.requireOwnership(ctx, resourceType, resourceID, callerID, "You don't have permission to delete public link"); err != nil {
		return err
	}
	return s.store.DeletePublicPermissions(ctx, resourceType, resourceID)
}

// SharedResource pairs a grant with the resource it covers for the
// shared-with-me / shared-by-me listings.
type SharedResource struct {
	Permission store.Permission
	Resource   *resource.Record
	Expired    bool
}

func (s *Service) SharedWithMe(ctx context.Context, userID int64, resourceType string) ([]SharedResource, error) {
	perms, err := s.store.ListPermissionsBySubject(ctx, userID, resourceType)
	if err != nil {
		return nil, err
	}
	return s.attachResources(ctx, perms)
}

func (s *Service) SharedByMe(ctx context.Context, userID int64, resourceType string) ([]SharedResource, error) {
	perms, err := s.store.ListPermissionsByGrantor(ctx, userID, resourceType)
	if err != nil {
		return nil, err
	}
	return s.attachResources(ctx, perms)
}

// attachResources resolves each grant's resource. Grants whose resource
// is gone (or whose type has no resolver) are dropped from the listing.
func (s *Service) attachResources(ctx context.Context, perms []store.Permission) ([]SharedResource, error) {
	now := time.Now()
	items := make([]SharedResource, 0, len(perms))
	for _, perm := range perms {
		record, err := s.catalog.Fetch(ctx, resource.Type(perm.ResourceType), perm.ResourceID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		items = append(items, SharedResource{
			Permission: perm,
			Resource:   record,
			Expired:    perm.Expired(now),
		})
	}
	return items, nil
}

// PermissionCheck is the access decision for one user on one resource.
type PermissionCheck struct {
	HasAccess       bool    `json:"hasAccess"`
	PermissionLevel *string `json:"permissionLevel"`
	Expired         bool    `json:"expired,omitempty"`
}

// CheckPermission resolves a user's effective access: owners always hold
// OWNER; otherwise the subject grant decides, and an expired grant means
// no access rather than an error.
func (s *Service) CheckPermission(ctx context.Context, userID int64, resourceType string, resourceID int64) (PermissionCheck, error) {
	if !resource.ValidType(resource.Type(resourceType)) {
		return PermissionCheck{}, errBadRequest("unknown resource type")
	}

	owns, err := s.catalog.Owns(ctx, resource.Type(resourceType), resourceID, userID)
	if err != nil {
		return PermissionCheck{}, err
	}
	if owns {
		owner := string(level.Owner)
		return PermissionCheck{HasAccess: true, PermissionLevel: &owner}, nil
	}

	perm, err := s.store.FindSubjectPermission(ctx, resourceType, resourceID, userID)
	if err != nil {
		return PermissionCheck{}, err
	}
	if perm == nil {
		return PermissionCheck{HasAccess: false}, nil
	}
	if perm.Expired(time.Now()) {
		return PermissionCheck{HasAccess: false, Expired: true}, nil
	}
	return PermissionCheck{HasAccess: true, PermissionLevel: &perm.PermissionLevel}, nil
}

// PublicResource is what an anonymous visitor sees behind a share token.
type PublicResource struct {
	Resource        *resource.Record `json:"resource"`
	PermissionLevel string           `json:"permissionLevel"`
}

// AccessPublicResource resolves a share token. A missing token is
// NotFound; a token that resolves but has expired is Forbidden, so
// callers can tell a dead link from a stale one.
func (s *Service) AccessPublicResource(ctx context.Context, token string) (PublicResource, error) {
	perm, err := s.publicPermissionByToken(ctx, token)
	if err != nil {
		return PublicResource{}, err
	}

	record, err := s.catalog.Fetch(ctx, resource.Type(perm.ResourceType), perm.ResourceID)
	if err != nil {
		return PublicResource{}, err
	}
	if record == nil {
		return PublicResource{}, errNotFound("Resource not found")
	}
	return PublicResource{Resource: record, PermissionLevel: perm.PermissionLevel}, nil
}

// SharingActivity returns the resource's newest audit records, capped at
// read time. Owner only.
func (s *Service) SharingActivity(ctx context.Context, callerID int64, resourceType string, resourceID int64) ([]store.ShareActivity, error) {
	if !resource.ValidType(resource.Type(resourceType)) {
		return nil, errBadRequest("unknown resource type")
	}
	if err := s.requireOwnership(ctx, resourceType, resourceID, callerID, "You don't have permission to view activity"); err != nil {
		return nil, err
	}
	return s.store.ListShareActivity(ctx, resourceType, resourceID, activityLogLimit)
}

// PublicFile is a streamed download behind a public FILE link.
type PublicFile struct {
	Meta store.FileDownload
	Body io.ReadCloser
	Size int64
}

// DownloadPublicFile streams a publicly shared file. Only FILE resources
// are downloadable.
func (s *Service) DownloadPublicFile(ctx context.Context, token string) (PublicFile, error) {
	perm, err := s.publicPermissionByToken(ctx, token)
	if err != nil {
		return PublicFile{}, err
	}
	if perm.ResourceType != string(resource.TypeFile) {
		return PublicFile{}, errBadRequest("Only files can be downloaded")
	}
	if s.files == nil {
		return PublicFile{}, domainError(503, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
	}

	file, err := s.store.GetFileForDownload(ctx, perm.ResourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return PublicFile{}, errNotFound("File not found")
	}
	if err != nil {
		return PublicFile{}, err
	}

	body, size, err := s.files.Open(ctx, storage.ObjectKey(file.OwnerStorageGUID, file.Path, file.Name))
	if err != nil {
		return PublicFile{}, fmt.Errorf("open stored file: %w", err)
	}
	return PublicFile{Meta: file, Body: body, Size: size}, nil
}

func (s *Service) publicPermissionByToken(ctx context.Context, token string) (store.Permission, error) {
	perm, err := s.store.GetPermissionByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Permission{}, errNotFound("Public link not found")
	}
	if err != nil {
		return store.Permission{}, err
	}
	if perm.Expired(time.Now()) {
		return store.Permission{}, errForbidden("Public link has expired")
	}
	return perm, nil
}

func (s *Service) requireOwnership(ctx context.Context, resourceType string, resourceID, userID int64, message string) error {
	owns, err := s.catalog.Owns(ctx, resource.Type(resourceType), resourceID, userID)
	if err != nil {
		return err
	}
	if !owns {
		return errForbidden(message)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
