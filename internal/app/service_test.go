package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"mello/api/internal/delivery"
	"mello/api/internal/resource"
	"mello/api/internal/store"
)

// fakeStore is an in-memory dataStore for service tests.
type fakeStore struct {
	mu sync.Mutex

	users       map[int64]store.User
	permissions map[int64]store.Permission
	nextPermID  int64
	activities  []store.ShareActivity

	webhooks      map[int64]store.Webhook
	nextWebhookID int64
	executions    []store.WebhookExecution
	scheduled     []store.ScheduledWebhook
	files         map[int64]store.FileDownload

	grantErr        error
	insertPublicErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[int64]store.User),
		permissions: make(map[int64]store.Permission),
		webhooks:    make(map[int64]store.Webhook),
		files:       make(map[int64]store.FileDownload),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, userID int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) FindUserByEmail(ctx context.Context, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetFileForDownload(ctx context.Context, fileID int64) (store.FileDownload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return store.FileDownload{}, sql.ErrNoRows
	}
	return file, nil
}

func (f *fakeStore) CreateGrant(ctx context.Context, perm store.Permission, activity store.ShareActivity) (store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grantErr != nil {
		return store.Permission{}, f.grantErr
	}
	f.nextPermID++
	perm.ID = f.nextPermID
	perm.CreatedAt = time.Now()
	f.permissions[perm.ID] = perm
	f.activities = append(f.activities, activity)
	return perm, nil
}

func (f *fakeStore) UpdateGrantLevel(ctx context.Context, permissionID int64, newLevel string, activity store.ShareActivity) (store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	perm, ok := f.permissions[permissionID]
	if !ok {
		return store.Permission{}, sql.ErrNoRows
	}
	perm.PermissionLevel = newLevel
	f.permissions[permissionID] = perm
	f.activities = append(f.activities, activity)
	return perm, nil
}

func (f *fakeStore) DeleteGrant(ctx context.Context, permissionID int64, activity store.ShareActivity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.permissions[permissionID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.permissions, permissionID)
	f.activities = append(f.activities, activity)
	return nil
}

func (f *fakeStore) GetPermission(ctx context.Context, permissionID int64) (store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	perm, ok := f.permissions[permissionID]
	if !ok {
		return store.Permission{}, sql.ErrNoRows
	}
	return perm, nil
}

func (f *fakeStore) FindSubjectPermission(ctx context.Context, resourceType string, resourceID, subjectID int64) (*store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, perm := range f.permissions {
		if perm.ResourceType == resourceType && perm.ResourceID == resourceID &&
			perm.SubjectID != nil && *perm.SubjectID == subjectID && !perm.IsPublic {
			p := perm
			return &p, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindPublicPermission(ctx context.Context, resourceType string, resourceID int64) (*store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, perm := range f.permissions {
		if perm.ResourceType == resourceType && perm.ResourceID == resourceID && perm.IsPublic {
			p := perm
			return &p, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertPublicPermission(ctx context.Context, perm store.Permission) (store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertPublicErr != nil {
		return store.Permission{}, f.insertPublicErr
	}
	f.nextPermID++
	perm.ID = f.nextPermID
	perm.CreatedAt = time.Now()
	f.permissions[perm.ID] = perm
	return perm, nil
}

func (f *fakeStore) GetPermissionByToken(ctx context.Context, token string) (store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, perm := range f.permissions {
		if perm.PublicToken != nil && *perm.PublicToken == token {
			return perm, nil
		}
	}
	return store.Permission{}, sql.ErrNoRows
}

func (f *fakeStore) DeletePublicPermissions(ctx context.Context, resourceType string, resourceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, perm := range f.permissions {
		if perm.ResourceType == resourceType && perm.ResourceID == resourceID && perm.IsPublic {
			delete(f.permissions, id)
		}
	}
	return nil
}

func (f *fakeStore) ListResourcePermissions(ctx context.Context, resourceType string, resourceID int64) ([]store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Permission
	for _, perm := range f.permissions {
		if perm.ResourceType == resourceType && perm.ResourceID == resourceID {
			out = append(out, perm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListPermissionsBySubject(ctx context.Context, subjectID int64, resourceType string) ([]store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Permission
	for _, perm := range f.permissions {
		if perm.SubjectID != nil && *perm.SubjectID == subjectID &&
			(resourceType == "" || perm.ResourceType == resourceType) {
			out = append(out, perm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListPermissionsByGrantor(ctx context.Context, grantorID int64, resourceType string) ([]store.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Permission
	for _, perm := range f.permissions {
		if perm.GrantedBy == grantorID && !perm.IsPublic &&
			(resourceType == "" || perm.ResourceType == resourceType) {
			out = append(out, perm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListShareActivity(ctx context.Context, resourceType string, resourceID int64, limit int) ([]store.ShareActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ShareActivity
	for i := len(f.activities) - 1; i >= 0 && len(out) < limit; i-- {
		activity := f.activities[i]
		if activity.ResourceType == resourceType && activity.ResourceID == resourceID {
			out = append(out, activity)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertWebhook(ctx context.Context, wh store.Webhook) (store.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextWebhookID++
	wh.ID = f.nextWebhookID
	wh.CreatedAt = time.Now()
	f.webhooks[wh.ID] = wh
	return wh, nil
}

func (f *fakeStore) UpdateWebhook(ctx context.Context, wh store.Webhook) (store.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.webhooks[wh.ID]; !ok {
		return store.Webhook{}, sql.ErrNoRows
	}
	f.webhooks[wh.ID] = wh
	return wh, nil
}

func (f *fakeStore) DeleteWebhook(ctx context.Context, webhookID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.webhooks, webhookID)
	return nil
}

func (f *fakeStore) GetWebhookOwned(ctx context.Context, webhookID, userID int64) (store.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wh, ok := f.webhooks[webhookID]
	if !ok || wh.UserID != userID {
		return store.Webhook{}, sql.ErrNoRows
	}
	return wh, nil
}

func (f *fakeStore) ListUserWebhooks(ctx context.Context, userID int64) ([]store.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Webhook
	for _, wh := range f.webhooks {
		if wh.UserID == userID {
			out = append(out, wh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListExecutions(ctx context.Context, webhookID int64, limit, offset int) ([]store.WebhookExecution, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []store.WebhookExecution
	for _, execution := range f.executions {
		if execution.WebhookID == webhookID {
			matching = append(matching, execution)
		}
	}
	total := int64(len(matching))
	if offset >= len(matching) {
		return nil, total, nil
	}
	matching = matching[offset:]
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, total, nil
}

func (f *fakeStore) ListPendingScheduled(ctx context.Context, userID int64) ([]store.ScheduledWebhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ScheduledWebhook
	for _, row := range f.scheduled {
		if wh, ok := f.webhooks[row.WebhookID]; ok && wh.UserID == userID && !row.Executed {
			out = append(out, row)
		}
	}
	return out, nil
}

// fakeCatalog resolves ownership and content from fixed maps keyed by
// "TYPE/id".
type fakeCatalog struct {
	owners  map[string]int64
	records map[string]*resource.Record
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		owners:  make(map[string]int64),
		records: make(map[string]*resource.Record),
	}
}

func catalogKey(t resource.Type, id int64) string {
	return fmt.Sprintf("%s/%d", t, id)
}

func (c *fakeCatalog) addResource(t resource.Type, id, ownerID int64) {
	key := catalogKey(t, id)
	c.owners[key] = ownerID
	c.records[key] = &resource.Record{Type: t, ID: id, Data: []byte(`{}`)}
}

func (c *fakeCatalog) Owns(ctx context.Context, t resource.Type, id, userID int64) (bool, error) {
	owner, ok := c.owners[catalogKey(t, id)]
	return ok && owner == userID, nil
}

func (c *fakeCatalog) Fetch(ctx context.Context, t resource.Type, id int64) (*resource.Record, error) {
	return c.records[catalogKey(t, id)], nil
}

type executeCall struct {
	webhook store.Webhook
	event   string
	payload delivery.Payload
}

// fakeEngine records delivery calls without firing anything.
type fakeEngine struct {
	mu        sync.Mutex
	triggered []delivery.TriggerParams
	executed  []executeCall
	scheduled []int64
	replaced  []int64
	cancelled []string
}

func (e *fakeEngine) Trigger(ctx context.Context, params delivery.TriggerParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggered = append(e.triggered, params)
	return nil
}

func (e *fakeEngine) Execute(ctx context.Context, wh store.Webhook, event string, payload delivery.Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, executeCall{webhook: wh, event: event, payload: payload})
	return nil
}

func (e *fakeEngine) ScheduleEventReminders(ctx context.Context, userID, eventID int64, startAt time.Time, data map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduled = append(e.scheduled, eventID)
	return nil
}

func (e *fakeEngine) ReplaceEventReminders(ctx context.Context, userID, eventID int64, startAt time.Time, data map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replaced = append(e.replaced, eventID)
	return nil
}

func (e *fakeEngine) CancelScheduled(ctx context.Context, resourceType string, resourceID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, fmt.Sprintf("%s/%d", resourceType, resourceID))
	return nil
}

type sentInvite struct {
	to           string
	inviterName  string
	resourceKind string
	level        string
	expiresNote  string
}

type fakeMailer struct {
	configured bool
	sent       []sentInvite
}

func (m *fakeMailer) IsConfigured() bool { return m.configured }

func (m *fakeMailer) SendShareInvite(to, inviterName, resourceKind, level, shareURL, expiresNote string) error {
	m.sent = append(m.sent, sentInvite{
		to:           to,
		inviterName:  inviterName,
		resourceKind: resourceKind,
		level:        level,
		expiresNote:  expiresNote,
	})
	return nil
}

type fakeFileStore struct {
	content map[string]string
}

func (f *fakeFileStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	content, ok := f.content[key]
	if !ok {
		return nil, 0, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(strings.NewReader(content)), int64(len(content)), nil
}

type testEnv struct {
	service *Service
	store   *fakeStore
	catalog *fakeCatalog
	engine  *fakeEngine
	mailer  *fakeMailer
	files   *fakeFileStore
}

func newTestEnv() *testEnv {
	st := newFakeStore()
	catalog := newFakeCatalog()
	engine := &fakeEngine{}
	mailer := &fakeMailer{configured: true}
	files := &fakeFileStore{content: make(map[string]string)}
	service := NewService(st, catalog, engine, mailer, files, ServiceConfig{
		FrontendURL: "https://app.mello.test",
		SyncToken:   "sync-secret",
	})
	return &testEnv{service: service, store: st, catalog: catalog, engine: engine, mailer: mailer, files: files}
}
