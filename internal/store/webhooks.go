package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const webhookColumns = `
	id, user_id, name, description, url, method, events, filters, headers,
	retry_count, retry_delay, status, last_triggered_at,
	success_count, failure_count, created_at, updated_at
`

func scanWebhook(row interface{ Scan(...any) error }, extra ...any) (Webhook, error) {
	var (
		wh      Webhook
		events  []byte
		filters []byte
		headers []byte
	)
	dest := []any{
		&wh.ID, &wh.UserID, &wh.Name, &wh.Description, &wh.URL, &wh.Method,
		&events, &filters, &headers,
		&wh.RetryCount, &wh.RetryDelay, &wh.Status, &wh.LastTriggeredAt,
		&wh.SuccessCount, &wh.FailureCount, &wh.CreatedAt, &wh.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return Webhook{}, err
	}
	if err := json.Unmarshal(events, &wh.Events); err != nil {
		return Webhook{}, fmt.Errorf("decode webhook events: %w", err)
	}
	if filters != nil {
		if err := json.Unmarshal(filters, &wh.Filters); err != nil {
			return Webhook{}, fmt.Errorf("decode webhook filters: %w", err)
		}
	}
	if headers != nil {
		if err := json.Unmarshal(headers, &wh.Headers); err != nil {
			return Webhook{}, fmt.Errorf("decode webhook headers: %w", err)
		}
	}
	return wh, nil
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) InsertWebhook(ctx context.Context, wh Webhook) (Webhook, error) {
	events, err := encodeJSON(wh.Events)
	if err != nil {
		return Webhook{}, err
	}
	var filters, headers any
	if wh.Filters != nil {
		if filters, err = encodeJSON(wh.Filters); err != nil {
			return Webhook{}, err
		}
	}
	if wh.Headers != nil {
		if headers, err = encodeJSON(wh.Headers); err != nil {
			return Webhook{}, err
		}
	}
	return scanWebhook(s.db.QueryRowContext(ctx, `
		INSERT INTO webhooks (user_id, name, description, url, method, events, filters, headers, retry_count, retry_delay, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+webhookColumns+`
	`, wh.UserID, wh.Name, wh.Description, wh.URL, wh.Method, events, filters, headers,
		wh.RetryCount, wh.RetryDelay, wh.Status))
}

// UpdateWebhook persists a full row; callers load the webhook, apply the
// partial update, and write it back.
func (s *PostgresStore) UpdateWebhook(ctx context.Context, wh Webhook) (Webhook, error) {
	events, err := encodeJSON(wh.Events)
	if err != nil {
		return Webhook{}, err
	}
	var filters, headers any
	if wh.Filters != nil {
		if filters, err = encodeJSON(wh.Filters); err != nil {
			return Webhook{}, err
		}
	}
	if wh.Headers != nil {
		if headers, err = encodeJSON(wh.Headers); err != nil {
			return Webhook{}, err
		}
	}
	return scanWebhook(s.db.QueryRowContext(ctx, `
		UPDATE webhooks
		SET name=$2, description=$3, url=$4, method=$5, events=$6, filters=$7, headers=$8,
			retry_count=$9, retry_delay=$10, status=$11, updated_at=NOW()
		WHERE id=$1
		RETURNING `+webhookColumns+`
	`, wh.ID, wh.Name, wh.Description, wh.URL, wh.Method, events, filters, headers,
		wh.RetryCount, wh.RetryDelay, wh.Status))
}

func (s *PostgresStore) DeleteWebhook(ctx context.Context, webhookID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id=$1`, webhookID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhookOwned(ctx context.Context, webhookID, userID int64) (Webhook, error) {
	return scanWebhook(s.db.QueryRowContext(ctx, `
		SELECT `+webhookColumns+` FROM webhooks WHERE id=$1 AND user_id=$2
	`, webhookID, userID))
}

func (s *PostgresStore) ListUserWebhooks(ctx context.Context, userID int64) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+webhookColumns+`,
			(SELECT COUNT(*) FROM webhook_executions e WHERE e.webhook_id = webhooks.id)
		FROM webhooks
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	items := make([]Webhook, 0)
	for rows.Next() {
		var count int64
		wh, err := scanWebhook(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		wh.ExecutionCount = count
		items = append(items, wh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return items, nil
}

// ListActiveWebhooksForEvent returns the owner's ACTIVE webhooks
// subscribed to the event.
func (s *PostgresStore) ListActiveWebhooksForEvent(ctx context.Context, userID int64, event string) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE user_id=$1 AND status='ACTIVE' AND events @> to_jsonb($2::text)
	`, userID, event)
	if err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	defer rows.Close()

	items := make([]Webhook, 0)
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		items = append(items, wh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return items, nil
}

// IncrementWebhookSuccess bumps the success counter atomically and stamps
// the last trigger time.
func (s *PostgresStore) IncrementWebhookSuccess(ctx context.Context, webhookID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhooks
		SET success_count = success_count + 1, last_triggered_at = NOW(), updated_at = NOW()
		WHERE id=$1
	`, webhookID)
	if err != nil {
		return fmt.Errorf("increment webhook success: %w", err)
	}
	return nil
}

// IncrementWebhookFailure bumps the failure counter atomically and
// returns the new value for the breaker check.
func (s *PostgresStore) IncrementWebhookFailure(ctx context.Context, webhookID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE webhooks
		SET failure_count = failure_count + 1, updated_at = NOW()
		WHERE id=$1
		RETURNING failure_count
	`, webhookID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment webhook failure: %w", err)
	}
	return count, nil
}

// MarkWebhookFailed trips the breaker. Only an owner edit reactivates.
func (s *PostgresStore) MarkWebhookFailed(ctx context.Context, webhookID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET status='FAILED', updated_at=NOW() WHERE id=$1
	`, webhookID)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertExecution(ctx context.Context, ex WebhookExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_executions (webhook_id, event, payload, status_code, response, error, duration_ms, attempt, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ex.WebhookID, ex.Event, []byte(ex.Payload), ex.StatusCode, ex.Response, ex.Error,
		ex.DurationMS, ex.Attempt, ex.Success)
	if err != nil {
		return fmt.Errorf("insert webhook execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, webhookID int64, limit, offset int) ([]WebhookExecution, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event, payload, status_code, response, error, duration_ms, attempt, success, triggered_at
		FROM webhook_executions
		WHERE webhook_id=$1
		ORDER BY triggered_at DESC
		LIMIT $2 OFFSET $3
	`, webhookID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	items := make([]WebhookExecution, 0)
	for rows.Next() {
		var (
			ex      WebhookExecution
			payload []byte
		)
		if err := rows.Scan(
			&ex.ID, &ex.WebhookID, &ex.Event, &payload, &ex.StatusCode,
			&ex.Response, &ex.Error, &ex.DurationMS, &ex.Attempt, &ex.Success, &ex.TriggeredAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		ex.Payload = json.RawMessage(payload)
		items = append(items, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_executions WHERE webhook_id=$1
	`, webhookID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) InsertScheduledWebhook(ctx context.Context, sw ScheduledWebhook) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_webhooks (webhook_id, resource_type, resource_id, scheduled_for, event, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sw.WebhookID, sw.ResourceType, sw.ResourceID, sw.ScheduledFor, sw.Event, []byte(sw.Payload))
	if err != nil {
		return fmt.Errorf("insert scheduled webhook: %w", err)
	}
	return nil
}

// DueScheduledWebhooks returns unexecuted rows due at or before now, with
// the owning webhook joined for delivery.
func (s *PostgresStore) DueScheduledWebhooks(ctx context.Context, now time.Time) ([]ScheduledWebhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.webhook_id, s.resource_type, s.resource_id, s.scheduled_for, s.event, s.payload, s.executed, s.executed_at,
			w.id, w.user_id, w.name, w.description, w.url, w.method, w.events, w.filters, w.headers,
			w.retry_count, w.retry_delay, w.status, w.last_triggered_at,
			w.success_count, w.failure_count, w.created_at, w.updated_at
		FROM scheduled_webhooks s
		JOIN webhooks w ON w.id = s.webhook_id
		WHERE NOT s.executed AND s.scheduled_for <= $1
		ORDER BY s.scheduled_for
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled webhooks: %w", err)
	}
	defer rows.Close()

	items := make([]ScheduledWebhook, 0)
	for rows.Next() {
		var (
			sw      ScheduledWebhook
			payload []byte
			wh      Webhook
			events  []byte
			filters []byte
			headers []byte
		)
		if err := rows.Scan(
			&sw.ID, &sw.WebhookID, &sw.ResourceType, &sw.ResourceID, &sw.ScheduledFor,
			&sw.Event, &payload, &sw.Executed, &sw.ExecutedAt,
			&wh.ID, &wh.UserID, &wh.Name, &wh.Description, &wh.URL, &wh.Method,
			&events, &filters, &headers,
			&wh.RetryCount, &wh.RetryDelay, &wh.Status, &wh.LastTriggeredAt,
			&wh.SuccessCount, &wh.FailureCount, &wh.CreatedAt, &wh.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled webhook: %w", err)
		}
		sw.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(events, &wh.Events); err != nil {
			return nil, fmt.Errorf("decode webhook events: %w", err)
		}
		if filters != nil {
			if err := json.Unmarshal(filters, &wh.Filters); err != nil {
				return nil, fmt.Errorf("decode webhook filters: %w", err)
			}
		}
		if headers != nil {
			if err := json.Unmarshal(headers, &wh.Headers); err != nil {
				return nil, fmt.Errorf("decode webhook headers: %w", err)
			}
		}
		sw.Webhook = &wh
		items = append(items, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled webhooks: %w", err)
	}
	return items, nil
}

// MarkScheduledExecuted consumes a scheduled row. A scheduled firing runs
// at most once, even when delivery fails.
func (s *PostgresStore) MarkScheduledExecuted(ctx context.Context, scheduledID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_webhooks SET executed=TRUE, executed_at=NOW() WHERE id=$1
	`, scheduledID)
	if err != nil {
		return fmt.Errorf("mark scheduled executed: %w", err)
	}
	return nil
}

// DeleteUnexecutedForResource drops pending scheduled rows for a resource
// so reminders can be re-derived after a time shift, or cleaned up on
// resource deletion.
func (s *PostgresStore) DeleteUnexecutedForResource(ctx context.Context, resourceType string, resourceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_webhooks
		WHERE resource_type=$1 AND resource_id=$2 AND NOT executed
	`, resourceType, resourceID)
	if err != nil {
		return fmt.Errorf("delete unexecuted scheduled webhooks: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingScheduled(ctx context.Context, userID int64) ([]ScheduledWebhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.webhook_id, s.resource_type, s.resource_id, s.scheduled_for, s.event, s.payload, s.executed, s.executed_at, w.name
		FROM scheduled_webhooks s
		JOIN webhooks w ON w.id = s.webhook_id
		WHERE w.user_id=$1 AND NOT s.executed
		ORDER BY s.scheduled_for
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending scheduled webhooks: %w", err)
	}
	defer rows.Close()

	items := make([]ScheduledWebhook, 0)
	for rows.Next() {
		var (
			sw      ScheduledWebhook
			payload []byte
		)
		if err := rows.Scan(
			&sw.ID, &sw.WebhookID, &sw.ResourceType, &sw.ResourceID, &sw.ScheduledFor,
			&sw.Event, &payload, &sw.Executed, &sw.ExecutedAt, &sw.WebhookName,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled webhook: %w", err)
		}
		sw.Payload = json.RawMessage(payload)
		items = append(items, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled webhooks: %w", err)
	}
	return items, nil
}
