package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"net/url"
	"time"

	"mello/api/internal/delivery"
	"mello/api/internal/resource"
	"mello/api/internal/store"
)

const (
	WebhookStatusActive   = "ACTIVE"
	WebhookStatusInactive = "INACTIVE"
	WebhookStatusFailed   = "FAILED"
	WebhookStatusPaused   = "PAUSED"
)

var webhookStatuses = map[string]struct{}{
	WebhookStatusActive: {}, WebhookStatusInactive: {},
	WebhookStatusFailed: {}, WebhookStatusPaused: {},
}

var knownEvents = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, info := range delivery.AvailableEvents() {
		set[info.Event] = struct{}{}
	}
	return set
}()

type WebhookInput struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Events      []string          `json:"events"`
	Filters     map[string]any    `json:"filters"`
	Headers     map[string]string `json:"headers"`
	RetryCount  int               `json:"retryCount"`
	RetryDelay  int               `json:"retryDelay"`
}

// CreateWebhook registers a callback with the standard defaults: POST,
// 3 attempts, 60s between them, ACTIVE.
func (s *Service) CreateWebhook(ctx context.Context, userID int64, in WebhookInput) (store.Webhook, error) {
	if in.Name == "" || in.URL == "" || len(in.Events) == 0 {
		return store.Webhook{}, errBadRequest("Name, URL, and events are required")
	}
	if err := validateWebhookURL(in.URL); err != nil {
		return store.Webhook{}, err
	}
	if err := validateEvents(in.Events); err != nil {
		return store.Webhook{}, err
	}

	wh := store.Webhook{
		UserID:      userID,
		Name:        in.Name,
		Description: in.Description,
		URL:         in.URL,
		Method:      in.Method,
		Events:      in.Events,
		Filters:     in.Filters,
		Headers:     in.Headers,
		RetryCount:  in.RetryCount,
		RetryDelay:  in.RetryDelay,
		Status:      WebhookStatusActive,
	}
	if wh.Method == "" {
		wh.Method = http.MethodPost
	}
	if wh.RetryCount <= 0 {
		wh.RetryCount = 3
	}
	if wh.RetryDelay <= 0 {
		wh.RetryDelay = 60
	}
	return s.store.InsertWebhook(ctx, wh)
}

// WebhookUpdate carries a partial edit; nil fields keep their value.
type WebhookUpdate struct {
	Name        *string            `json:"name"`
	Description *string            `json:"description"`
	URL         *string            `json:"url"`
	Method      *string            `json:"method"`
	Events      []string           `json:"events"`
	Filters     *map[string]any    `json:"filters"`
	Headers     *map[string]string `json:"headers"`
	RetryCount  *int               `json:"retryCount"`
	RetryDelay  *int               `json:"retryDelay"`
	Status      *string            `json:"status"`
}

// UpdateWebhook applies a partial edit to an owned webhook. Setting
// status back to ACTIVE is how an owner reactivates a tripped breaker.
func (s *Service) UpdateWebhook(ctx context.Context, userID, webhookID int64, in WebhookUpdate) (store.Webhook, error) {
	wh, err := s.store.GetWebhookOwned(ctx, webhookID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Webhook{}, errNotFound("Webhook not found")
	}
	if err != nil {
		return store.Webhook{}, err
	}

	if in.Name != nil {
		wh.Name = *in.Name
	}
	if in.Description != nil {
		wh.Description = *in.Description
	}
	if in.URL != nil {
		if err := validateWebhookURL(*in.URL); err != nil {
			return store.Webhook{}, err
		}
		wh.URL = *in.URL
	}
	if in.Method != nil {
		wh.Method = *in.Method
	}
	if in.Events != nil {
		if err := validateEvents(in.Events); err != nil {
			return store.Webhook{}, err
		}
		wh.Events = in.Events
	}
	if in.Filters != nil {
		wh.Filters = *in.Filters
	}
	if in.Headers != nil {
		wh.Headers = *in.Headers
	}
	if in.RetryCount != nil {
		wh.RetryCount = *in.RetryCount
	}
	if in.RetryDelay != nil {
		wh.RetryDelay = *in.RetryDelay
	}
	if in.Status != nil {
		if _, ok := webhookStatuses[*in.Status]; !ok {
			return store.Webhook{}, errBadRequest("unknown webhook status")
		}
		wh.Status = *in.Status
	}

	return s.store.UpdateWebhook(ctx, wh)
}

func (s *Service) DeleteWebhook(ctx context.Context, userID, webhookID int64) error {
	if _, err := s.store.GetWebhookOwned(ctx, webhookID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Webhook not found")
		}
		return err
	}
	return s.store.DeleteWebhook(ctx, webhookID)
}

// WebhookDetail is a webhook with its most recent firings attached.
type WebhookDetail struct {
	store.Webhook
	RecentExecutions []store.WebhookExecution
}

func (s *Service) GetWebhook(ctx context.Context, userID, webhookID int64) (WebhookDetail, error) {
	wh, err := s.store.GetWebhookOwned(ctx, webhookID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookDetail{}, errNotFound("Webhook not found")
	}
	if err != nil {
		return WebhookDetail{}, err
	}
	executions, _, err := s.store.ListExecutions(ctx, webhookID, 10, 0)
	if err != nil {
		return WebhookDetail{}, err
	}
	return WebhookDetail{Webhook: wh, RecentExecutions: executions}, nil
}

func (s *Service) ListWebhooks(ctx context.Context, userID int64) ([]store.Webhook, error) {
	return s.store.ListUserWebhooks(ctx, userID)
}

// TestWebhook fires one synchronous delivery with a canned payload so
// the owner can verify the endpoint. The firing runs the normal
// pipeline: filters, retries, execution logging, counters.
func (s *Service) TestWebhook(ctx context.Context, userID, webhookID int64) error {
	wh, err := s.store.GetWebhookOwned(ctx, webhookID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound("Webhook not found")
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	return s.deliverer.Execute(ctx, wh, delivery.Custom, delivery.Payload{
		Event:        "TEST",
		ResourceType: "TEST",
		ResourceID:   0,
		Data: map[string]any{
			"message":   "This is a test webhook",
			"timestamp": now,
		},
		Timestamp: now,
	})
}

type ExecutionPage struct {
	Executions []store.WebhookExecution
	Total      int64
	Limit      int
	Offset     int
}

func (s *Service) WebhookExecutions(ctx context.Context, userID, webhookID int64, limit, offset int) (ExecutionPage, error) {
	if _, err := s.store.GetWebhookOwned(ctx, webhookID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionPage{}, errNotFound("Webhook not found")
		}
		return ExecutionPage{}, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	executions, total, err := s.store.ListExecutions(ctx, webhookID, limit, offset)
	if err != nil {
		return ExecutionPage{}, err
	}
	return ExecutionPage{Executions: executions, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *Service) ScheduledWebhooks(ctx context.Context, userID int64) ([]store.ScheduledWebhook, error) {
	return s.store.ListPendingScheduled(ctx, userID)
}

// DomainEvent is an internal notification that something happened to a
// user's resource.
type DomainEvent struct {
	UserID       int64          `json:"userId"`
	Event        string         `json:"event"`
	ResourceType string         `json:"resourceType"`
	ResourceID   int64          `json:"resourceId"`
	Data         map[string]any `json:"data"`
}

// HandleDomainEvent fans the event out to the user's webhooks and keeps
// calendar reminders in sync with the event's start time.
func (s *Service) HandleDomainEvent(ctx context.Context, ev DomainEvent) error {
	if _, ok := knownEvents[ev.Event]; !ok {
		return errBadRequest("unknown event")
	}

	if err := s.deliverer.Trigger(ctx, delivery.TriggerParams{
		Event:        ev.Event,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Data:         ev.Data,
		UserID:       ev.UserID,
	}); err != nil {
		return err
	}

	switch ev.Event {
	case delivery.EventCreated:
		if startAt, ok := eventStart(ev.Data); ok {
			return s.deliverer.ScheduleEventReminders(ctx, ev.UserID, ev.ResourceID, startAt, ev.Data)
		}
	case delivery.EventUpdated:
		if startAt, ok := eventStart(ev.Data); ok {
			return s.deliverer.ReplaceEventReminders(ctx, ev.UserID, ev.ResourceID, startAt, ev.Data)
		}
	case delivery.EventDeleted:
		return s.deliverer.CancelScheduled(ctx, string(resource.TypeEvent), ev.ResourceID)
	}
	return nil
}

func eventStart(data map[string]any) (time.Time, bool) {
	raw, ok := data["startDate"].(string)
	if !ok {
		return time.Time{}, false
	}
	startAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Printf("domain event: bad startDate %q: %v", raw, err)
		return time.Time{}, false
	}
	return startAt, true
}

func validateWebhookURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errBadRequest("Invalid URL format")
	}
	return nil
}

func validateEvents(events []string) error {
	for _, event := range events {
		if _, ok := knownEvents[event]; !ok {
			return errBadRequest("unknown event: " + event)
		}
	}
	return nil
}
