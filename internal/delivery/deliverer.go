// Package delivery implements webhook delivery: concurrent fan-out to
// matching hooks, bounded retries with linear backoff, execution
// persistence, and a one-way failure breaker.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"reflect"
	"sync"
	"time"

	"mello/api/internal/store"
)

// failureThreshold is the breaker limit: a webhook whose failure count
// exceeds it flips to FAILED and stays there until the owner edits it.
const failureThreshold = 10

const maxResponseBytes = 64 * 1024

// Payload is the JSON body posted to webhook endpoints.
type Payload struct {
	Event        string         `json:"event"`
	ResourceType string         `json:"resourceType"`
	ResourceID   int64          `json:"resourceId"`
	Data         map[string]any `json:"data"`
	Timestamp    string         `json:"timestamp"`
	ReminderType string         `json:"reminderType,omitempty"`
}

type TriggerParams struct {
	Event        string
	ResourceType string
	ResourceID   int64
	Data         map[string]any
	UserID       int64
}

type deliveryStore interface {
	ListActiveWebhooksForEvent(ctx context.Context, userID int64, event string) ([]store.Webhook, error)
	IncrementWebhookSuccess(ctx context.Context, webhookID int64) error
	IncrementWebhookFailure(ctx context.Context, webhookID int64) (int64, error)
	MarkWebhookFailed(ctx context.Context, webhookID int64) error
	InsertExecution(ctx context.Context, ex store.WebhookExecution) error
	InsertScheduledWebhook(ctx context.Context, sw store.ScheduledWebhook) error
	DueScheduledWebhooks(ctx context.Context, now time.Time) ([]store.ScheduledWebhook, error)
	MarkScheduledExecuted(ctx context.Context, scheduledID int64) error
	DeleteUnexecutedForResource(ctx context.Context, resourceType string, resourceID int64) error
}

type Deliverer struct {
	store  deliveryStore
	client *http.Client
}

func New(dataStore deliveryStore, timeout time.Duration) *Deliverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Deliverer{
		store:  dataStore,
		client: &http.Client{Timeout: timeout},
	}
}

// Trigger fires every ACTIVE webhook of the user subscribed to the
// event. All matches run concurrently; the call returns after every
// delivery settles, and one hook's failure never affects another's.
func (d *Deliverer) Trigger(ctx context.Context, params TriggerParams) error {
	webhooks, err := d.store.ListActiveWebhooksForEvent(ctx, params.UserID, params.Event)
	if err != nil {
		return fmt.Errorf("match webhooks: %w", err)
	}
	if len(webhooks) == 0 {
		return nil
	}

	payload := Payload{
		Event:        params.Event,
		ResourceType: params.ResourceType,
		ResourceID:   params.ResourceID,
		Data:         params.Data,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	for _, wh := range webhooks {
		wg.Add(1)
		go func(wh store.Webhook) {
			defer wg.Done()
			if err := d.Execute(ctx, wh, params.Event, payload); err != nil {
				log.Printf("webhook %d: delivery error: %v", wh.ID, err)
			}
		}(wh)
	}
	wg.Wait()
	return nil
}

// Execute runs one firing: filter check, up to RetryCount attempts with
// RetryDelay seconds between them, then persistence of the final
// attempt's outcome and the counter/breaker updates. Delivery failures
// are absorbed here; the returned error is reserved for internal
// failures such as an unreachable database.
func (d *Deliverer) Execute(ctx context.Context, wh store.Webhook, event string, payload Payload) error {
	if wh.Filters != nil && !matchesFilters(payload.Data, wh.Filters) {
		log.Printf("webhook %d: skipped by filters", wh.ID)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	started := time.Now()
	attempts := wh.RetryCount
	if attempts < 1 {
		attempts = 1
	}

	var (
		lastErr    error
		lastStatus *int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		status, response, err := d.attempt(ctx, wh, body)
		if err == nil {
			log.Printf("webhook %d: delivered (attempt %d)", wh.ID, attempt)
			return d.recordSuccess(ctx, wh, event, body, status, response, attempt, started)
		}

		lastErr = err
		if status > 0 {
			code := status
			lastStatus = &code
		} else {
			lastStatus = nil
		}
		log.Printf("webhook %d: attempt %d failed: %v", wh.ID, attempt, err)

		if attempt < attempts {
			if err := sleep(ctx, time.Duration(wh.RetryDelay)*time.Second); err != nil {
				return err
			}
		}
	}

	return d.recordFailure(ctx, wh, event, body, lastStatus, lastErr, attempts, started)
}

// attempt performs a single HTTP call. Success is an explicit 2xx
// status; anything else, including transport errors, is a failed
// attempt.
func (d *Deliverer) attempt(ctx context.Context, wh store.Webhook, body []byte) (int, string, error) {
	method := wh.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wh.Headers {
		req.Header.Set(key, value)
	}

	res, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer res.Body.Close()

	responseBytes, _ := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	response := string(responseBytes)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res.StatusCode, response, fmt.Errorf("status %d", res.StatusCode)
	}
	return res.StatusCode, response, nil
}

func (d *Deliverer) recordSuccess(ctx context.Context, wh store.Webhook, event string, payload []byte, status int, response string, attempt int, started time.Time) error {
	if err := d.store.InsertExecution(ctx, store.WebhookExecution{
		WebhookID:  wh.ID,
		Event:      event,
		Payload:    payload,
		StatusCode: &status,
		Response:   &response,
		DurationMS: time.Since(started).Milliseconds(),
		Attempt:    attempt,
		Success:    true,
	}); err != nil {
		return err
	}
	return d.store.IncrementWebhookSuccess(ctx, wh.ID)
}

func (d *Deliverer) recordFailure(ctx context.Context, wh store.Webhook, event string, payload []byte, status *int, cause error, attempt int, started time.Time) error {
	message := cause.Error()
	if err := d.store.InsertExecution(ctx, store.WebhookExecution{
		WebhookID:  wh.ID,
		Event:      event,
		Payload:    payload,
		StatusCode: status,
		Error:      &message,
		DurationMS: time.Since(started).Milliseconds(),
		Attempt:    attempt,
		Success:    false,
	}); err != nil {
		return err
	}

	failures, err := d.store.IncrementWebhookFailure(ctx, wh.ID)
	if err != nil {
		return err
	}
	if failures > failureThreshold {
		if err := d.store.MarkWebhookFailed(ctx, wh.ID); err != nil {
			return err
		}
		log.Printf("webhook %d: deactivated after %d failures", wh.ID, failures)
	}
	return nil
}

// matchesFilters tests flat key equality between the webhook's filters
// and the event data. No nested paths, ranges, or negation.
func matchesFilters(data map[string]any, filters map[string]any) bool {
	for key, want := range filters {
		if !reflect.DeepEqual(data[key], want) {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
