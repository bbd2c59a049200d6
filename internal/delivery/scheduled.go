package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"mello/api/internal/store"
)

// ExecuteScheduled drains due scheduled firings. Every due row is marked
// executed exactly once, whether or not its delivery succeeds; a firing
// whose webhook has left ACTIVE is consumed without delivering. One bad
// row never stops the batch.
func (d *Deliverer) ExecuteScheduled(ctx context.Context, now time.Time) error {
	due, err := d.store.DueScheduledWebhooks(ctx, now)
	if err != nil {
		return fmt.Errorf("load due scheduled webhooks: %w", err)
	}

	for _, sw := range due {
		if sw.Webhook == nil {
			log.Printf("scheduled %d: webhook row missing, skipping", sw.ID)
			continue
		}

		if sw.Webhook.Status == "ACTIVE" {
			var payload Payload
			if err := json.Unmarshal(sw.Payload, &payload); err != nil {
				log.Printf("scheduled %d: bad payload: %v", sw.ID, err)
			} else {
				payload.Timestamp = time.Now().UTC().Format(time.RFC3339)
				if err := d.Execute(ctx, *sw.Webhook, sw.Event, payload); err != nil {
					log.Printf("scheduled %d: delivery error: %v", sw.ID, err)
				}
			}
		} else {
			log.Printf("scheduled %d: webhook %d is %s, consuming without delivery",
				sw.ID, sw.Webhook.ID, sw.Webhook.Status)
		}

		if err := d.store.MarkScheduledExecuted(ctx, sw.ID); err != nil {
			log.Printf("scheduled %d: mark executed: %v", sw.ID, err)
		}
	}
	return nil
}

// reminderOffsets maps reminder events to how far before the event start
// they fire.
var reminderOffsets = []struct {
	event  string
	label  string
	offset time.Duration
}{
	{EventReminder1H, "1_HOUR", time.Hour},
	{EventReminder1D, "1_DAY", 24 * time.Hour},
}

// ScheduleEventReminders creates one scheduled firing per subscribed
// webhook per reminder horizon, skipping any horizon already in the
// past. Called when a calendar event is created or its start moves.
func (d *Deliverer) ScheduleEventReminders(ctx context.Context, userID, eventID int64, startAt time.Time, data map[string]any) error {
	now := time.Now()
	for _, r := range reminderOffsets {
		fireAt := startAt.Add(-r.offset)
		if !fireAt.After(now) {
			continue
		}

		webhooks, err := d.store.ListActiveWebhooksForEvent(ctx, userID, r.event)
		if err != nil {
			return fmt.Errorf("match reminder webhooks: %w", err)
		}

		payload, err := json.Marshal(Payload{
			Event:        r.event,
			ResourceType: "EVENT",
			ResourceID:   eventID,
			Data:         data,
			ReminderType: r.label,
		})
		if err != nil {
			return fmt.Errorf("encode reminder payload: %w", err)
		}

		for _, wh := range webhooks {
			if err := d.store.InsertScheduledWebhook(ctx, store.ScheduledWebhook{
				WebhookID:    wh.ID,
				ResourceType: "EVENT",
				ResourceID:   eventID,
				ScheduledFor: fireAt,
				Event:        r.event,
				Payload:      payload,
			}); err != nil {
				return fmt.Errorf("schedule reminder: %w", err)
			}
		}
	}
	return nil
}

// ReplaceEventReminders drops the event's pending reminders and derives a
// fresh set from the new start time. Already-executed reminders are left
// alone.
func (d *Deliverer) ReplaceEventReminders(ctx context.Context, userID, eventID int64, startAt time.Time, data map[string]any) error {
	if err := d.store.DeleteUnexecutedForResource(ctx, "EVENT", eventID); err != nil {
		return err
	}
	return d.ScheduleEventReminders(ctx, userID, eventID, startAt, data)
}

// CancelScheduled drops every pending firing for a resource, used when
// the resource itself is deleted.
func (d *Deliverer) CancelScheduled(ctx context.Context, resourceType string, resourceID int64) error {
	return d.store.DeleteUnexecutedForResource(ctx, resourceType, resourceID)
}
