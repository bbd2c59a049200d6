package app

import (
	"mello/api/internal/store"
)

// Store rows carry no JSON tags; these builders shape the API responses.

func permissionJSON(p store.Permission) map[string]any {
	out := map[string]any{
		"id":              p.ID,
		"resourceType":    p.ResourceType,
		"resourceId":      p.ResourceID,
		"userId":          p.SubjectID,
		"email":           p.Email,
		"permissionLevel": p.PermissionLevel,
		"isPublic":        p.IsPublic,
		"expiresAt":       p.ExpiresAt,
		"grantedBy":       p.GrantedBy,
		"createdAt":       p.CreatedAt,
		"updatedAt":       p.UpdatedAt,
	}
	if p.PublicToken != nil {
		out["publicToken"] = *p.PublicToken
	}
	if p.SubjectName != nil {
		out["userName"] = *p.SubjectName
	}
	if p.SubjectEmail != nil {
		out["userEmail"] = *p.SubjectEmail
	}
	if p.GrantorName != nil {
		out["grantedByName"] = *p.GrantorName
	}
	return out
}

func permissionsJSON(perms []store.Permission) []map[string]any {
	items := make([]map[string]any, 0, len(perms))
	for _, perm := range perms {
		items = append(items, permissionJSON(perm))
	}
	return items
}

func activityJSON(a store.ShareActivity) map[string]any {
	return map[string]any{
		"id":            a.ID,
		"actorId":       a.ActorID,
		"targetId":      a.TargetID,
		"targetEmail":   a.TargetEmail,
		"resourceType":  a.ResourceType,
		"resourceId":    a.ResourceID,
		"activityType":  a.ActivityType,
		"oldPermission": a.OldPermission,
		"newPermission": a.NewPermission,
		"createdAt":     a.CreatedAt,
	}
}

func activitiesJSON(activities []store.ShareActivity) []map[string]any {
	items := make([]map[string]any, 0, len(activities))
	for _, activity := range activities {
		items = append(items, activityJSON(activity))
	}
	return items
}

func sharedResourceJSON(sr SharedResource) map[string]any {
	return map[string]any{
		"permission": permissionJSON(sr.Permission),
		"resource":   sr.Resource,
		"expired":    sr.Expired,
	}
}

func sharedResourcesJSON(resources []SharedResource) []map[string]any {
	items := make([]map[string]any, 0, len(resources))
	for _, sr := range resources {
		items = append(items, sharedResourceJSON(sr))
	}
	return items
}

func webhookJSON(wh store.Webhook) map[string]any {
	return map[string]any{
		"id":              wh.ID,
		"userId":          wh.UserID,
		"name":            wh.Name,
		"description":     wh.Description,
		"url":             wh.URL,
		"method":          wh.Method,
		"events":          wh.Events,
		"filters":         wh.Filters,
		"headers":         wh.Headers,
		"retryCount":      wh.RetryCount,
		"retryDelay":      wh.RetryDelay,
		"status":          wh.Status,
		"lastTriggeredAt": wh.LastTriggeredAt,
		"successCount":    wh.SuccessCount,
		"failureCount":    wh.FailureCount,
		"executionCount":  wh.ExecutionCount,
		"createdAt":       wh.CreatedAt,
		"updatedAt":       wh.UpdatedAt,
	}
}

func webhooksJSON(webhooks []store.Webhook) []map[string]any {
	items := make([]map[string]any, 0, len(webhooks))
	for _, wh := range webhooks {
		items = append(items, webhookJSON(wh))
	}
	return items
}

func executionJSON(e store.WebhookExecution) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"webhookId":   e.WebhookID,
		"event":       e.Event,
		"payload":     e.Payload,
		"statusCode":  e.StatusCode,
		"response":    e.Response,
		"error":       e.Error,
		"durationMs":  e.DurationMS,
		"attempt":     e.Attempt,
		"success":     e.Success,
		"triggeredAt": e.TriggeredAt,
	}
}

func executionsJSON(executions []store.WebhookExecution) []map[string]any {
	items := make([]map[string]any, 0, len(executions))
	for _, execution := range executions {
		items = append(items, executionJSON(execution))
	}
	return items
}

func scheduledJSON(sw store.ScheduledWebhook) map[string]any {
	return map[string]any{
		"id":           sw.ID,
		"webhookId":    sw.WebhookID,
		"webhookName":  sw.WebhookName,
		"resourceType": sw.ResourceType,
		"resourceId":   sw.ResourceID,
		"scheduledFor": sw.ScheduledFor,
		"event":        sw.Event,
		"payload":      sw.Payload,
		"executed":     sw.Executed,
		"executedAt":   sw.ExecutedAt,
	}
}

func scheduledListJSON(rows []store.ScheduledWebhook) []map[string]any {
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, scheduledJSON(row))
	}
	return items
}
