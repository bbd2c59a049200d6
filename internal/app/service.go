// Package app holds the sharing and webhook services plus the HTTP
// surface over them.
package app

import (
	"context"
	"io"
	"time"

	"mello/api/internal/delivery"
	"mello/api/internal/resource"
	"mello/api/internal/store"
)

// dataStore is the persistence surface the services need. *store.PostgresStore
// implements it; tests substitute a fake.
type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID int64) (store.User, error)
	FindUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetFileForDownload(ctx context.Context, fileID int64) (store.FileDownload, error)

	CreateGrant(ctx context.Context, perm store.Permission, activity store.ShareActivity) (store.Permission, error)
	UpdateGrantLevel(ctx context.Context, permissionID int64, newLevel string, activity store.ShareActivity) (store.Permission, error)
	DeleteGrant(ctx context.Context, permissionID int64, activity store.ShareActivity) error
	GetPermission(ctx context.Context, permissionID int64) (store.Permission, error)
	FindSubjectPermission(ctx context.Context, resourceType string, resourceID, subjectID int64) (*store.Permission, error)
	FindPublicPermission(ctx context.Context, resourceType string, resourceID int64) (*store.Permission, error)
	InsertPublicPermission(ctx context.Context, perm store.Permission) (store.Permission, error)
	GetPermissionByToken(ctx context.Context, token string) (store.Permission, error)
	DeletePublicPermissions(ctx context.Context, resourceType string, resourceID int64) error
	ListResourcePermissions(ctx context.Context, resourceType string, resourceID int64) ([]store.Permission, error)
	ListPermissionsBySubject(ctx context.Context, subjectID int64, resourceType string) ([]store.Permission, error)
	ListPermissionsByGrantor(ctx context.Context, grantorID int64, resourceType string) ([]store.Permission, error)
	ListShareActivity(ctx context.Context, resourceType string, resourceID int64, limit int) ([]store.ShareActivity, error)

	InsertWebhook(ctx context.Context, wh store.Webhook) (store.Webhook, error)
	UpdateWebhook(ctx context.Context, wh store.Webhook) (store.Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID int64) error
	GetWebhookOwned(ctx context.Context, webhookID, userID int64) (store.Webhook, error)
	ListUserWebhooks(ctx context.Context, userID int64) ([]store.Webhook, error)
	ListExecutions(ctx context.Context, webhookID int64, limit, offset int) ([]store.WebhookExecution, int64, error)
	ListPendingScheduled(ctx context.Context, userID int64) ([]store.ScheduledWebhook, error)
}

// resourceCatalog resolves ownership and content across resource kinds.
type resourceCatalog interface {
	Owns(ctx context.Context, t resource.Type, id, userID int64) (bool, error)
	Fetch(ctx context.Context, t resource.Type, id int64) (*resource.Record, error)
}

// webhookEngine is the delivery side the services call into.
type webhookEngine interface {
	Trigger(ctx context.Context, params delivery.TriggerParams) error
	Execute(ctx context.Context, wh store.Webhook, event string, payload delivery.Payload) error
	ScheduleEventReminders(ctx context.Context, userID, eventID int64, startAt time.Time, data map[string]any) error
	ReplaceEventReminders(ctx context.Context, userID, eventID int64, startAt time.Time, data map[string]any) error
	CancelScheduled(ctx context.Context, resourceType string, resourceID int64) error
}

// mailer sends share invites. Optional; nil disables invites.
type mailer interface {
	IsConfigured() bool
	SendShareInvite(to, inviterName, resourceKind, level, shareURL, expiresNote string) error
}

// fileStore streams stored file objects. Optional; nil disables public
// file downloads.
type fileStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

type Service struct {
	store       dataStore
	catalog     resourceCatalog
	deliverer   webhookEngine
	mail        mailer
	files       fileStore
	frontendURL string
	syncToken   string
}

type ServiceConfig struct {
	FrontendURL string
	SyncToken   string
}

func NewService(dataStore dataStore, catalog resourceCatalog, deliverer webhookEngine, mail mailer, files fileStore, cfg ServiceConfig) *Service {
	return &Service{
		store:       dataStore,
		catalog:     catalog,
		deliverer:   deliverer,
		mail:        mail,
		files:       files,
		frontendURL: cfg.FrontendURL,
		syncToken:   cfg.SyncToken,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SyncToken() string {
	return s.syncToken
}
