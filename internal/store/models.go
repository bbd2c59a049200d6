package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          int64
	UserName    string
	Email       string
	StorageGUID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is one grant of access to one resource. Exactly one of
// SubjectID and Email is set for a non-public grant; public grants carry
// a unique token instead.
type Permission struct {
	ID              int64
	ResourceType    string
	ResourceID      int64
	SubjectID       *int64
	Email           *string
	PermissionLevel string
	IsPublic        bool
	PublicToken     *string
	ExpiresAt       *time.Time
	GrantedBy       int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	// Joined fields for API responses
	SubjectName  *string
	SubjectEmail *string
	GrantorName  *string
}

// Expired reports whether the grant is past its expiry. Expired grants
// are inert but never deleted by the application.
func (p Permission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// Share activity types.
const (
	ActivityShared            = "SHARED"
	ActivityPermissionChanged = "PERMISSION_CHANGED"
	ActivityPermissionRevoked = "PERMISSION_REVOKED"
	ActivityAccessed          = "ACCESSED"
	ActivityDownloaded        = "DOWNLOADED"
	ActivityEdited            = "EDITED"
)

// ShareActivity is an append-only audit record of sharing actions.
type ShareActivity struct {
	ID            int64
	ActorID       int64
	TargetID      *int64
	TargetEmail   *string
	ResourceType  string
	ResourceID    int64
	ActivityType  string
	OldPermission *string
	NewPermission *string
	CreatedAt     time.Time
}

type Webhook struct {
	ID              int64
	UserID          int64
	Name            string
	Description     string
	URL             string
	Method          string
	Events          []string
	Filters         map[string]any
	Headers         map[string]string
	RetryCount      int
	RetryDelay      int
	Status          string
	LastTriggeredAt *time.Time
	SuccessCount    int64
	FailureCount    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	// Joined for list responses
	ExecutionCount int64
}

// WebhookExecution records the terminal outcome of one firing. Only the
// final attempt is persisted, not every retry.
type WebhookExecution struct {
	ID          int64
	WebhookID   int64
	Event       string
	Payload     json.RawMessage
	StatusCode  *int
	Response    *string
	Error       *string
	DurationMS  int64
	Attempt     int
	Success     bool
	TriggeredAt time.Time
}

// ScheduledWebhook is a deferred, single-shot firing. Consumed rows are
// marked executed and kept, never deleted.
type ScheduledWebhook struct {
	ID           int64
	WebhookID    int64
	ResourceType string
	ResourceID   int64
	ScheduledFor time.Time
	Event        string
	Payload      json.RawMessage
	Executed     bool
	ExecutedAt   *time.Time
	// Joined webhook, present on due-row reads
	Webhook *Webhook
	// Joined for list responses
	WebhookName string
}

// FileDownload carries what the download path needs to locate an object
// in the file store.
type FileDownload struct {
	ID               int64
	Name             string
	Path             string
	ContentType      string
	Size             int64
	OwnerStorageGUID string
}
