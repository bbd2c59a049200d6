package delivery

// Domain event names webhooks can subscribe to.
const (
	EventCreated    = "EVENT_CREATED"
	EventUpdated    = "EVENT_UPDATED"
	EventDeleted    = "EVENT_DELETED"
	EventReminder1H = "EVENT_REMINDER_1H"
	EventReminder1D = "EVENT_REMINDER_1D"
	TaskCreated     = "TASK_CREATED"
	TaskUpdated     = "TASK_UPDATED"
	TaskCompleted   = "TASK_COMPLETED"
	TaskOverdue     = "TASK_OVERDUE"
	TaskDueSoon     = "TASK_DUE_SOON"
	NoteCreated     = "NOTE_CREATED"
	NoteUpdated     = "NOTE_UPDATED"
	FileUploaded    = "FILE_UPLOADED"
	Custom          = "CUSTOM"
)

// EventInfo describes a subscribable event for the API catalog.
type EventInfo struct {
	Event       string `json:"event"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

func AvailableEvents() []EventInfo {
	return []EventInfo{
		{Event: EventCreated, Category: "Calendar", Description: "Triggered when a new calendar event is created"},
		{Event: EventUpdated, Category: "Calendar", Description: "Triggered when a calendar event is updated"},
		{Event: EventDeleted, Category: "Calendar", Description: "Triggered when a calendar event is deleted"},
		{Event: EventReminder1H, Category: "Calendar", Description: "Triggered 1 hour before event starts"},
		{Event: EventReminder1D, Category: "Calendar", Description: "Triggered 1 day before event starts"},
		{Event: TaskCreated, Category: "Tasks", Description: "Triggered when a new task is created"},
		{Event: TaskUpdated, Category: "Tasks", Description: "Triggered when a task is updated"},
		{Event: TaskCompleted, Category: "Tasks", Description: "Triggered when a task is marked as completed"},
		{Event: TaskOverdue, Category: "Tasks", Description: "Triggered when a task becomes overdue"},
		{Event: TaskDueSoon, Category: "Tasks", Description: "Triggered when a task is due soon"},
		{Event: NoteCreated, Category: "Notes", Description: "Triggered when a new note is created"},
		{Event: NoteUpdated, Category: "Notes", Description: "Triggered when a note is updated"},
		{Event: FileUploaded, Category: "Files", Description: "Triggered when a file is uploaded"},
		{Event: Custom, Category: "Custom", Description: "Custom webhook event"},
	}
}
