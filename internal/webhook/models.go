package webhook

// Events emitted around firmware lifecycle changes.
const (
	EventUploaded = "firmware.uploaded"
	EventUpdated  = "firmware.updated"
	EventDeleted  = "firmware.deleted"
)

type EventPayload struct {
	Event string `json:"event" example:"firmware.uploaded" doc:"Event type"`
	Data  any    `json:"data" doc:"Event-specific payload data"`
	Time  string `json:"time" example:"2024-01-15T10:30:00Z" doc:"Event timestamp in RFC3339 format"`
}
