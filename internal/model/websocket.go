package model

// WebSocket message types
const (
	WSMessageTypeUpdate = "update"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSUpdateMessage mirrors a job or pipeline change to subscribed clients.
type WSUpdateMessage struct {
	Type        string    `json:"type"`
	Kind        string    `json:"kind"` // job | pipeline
	ID          string    `json:"id"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"currentStep,omitempty"`
	Error       string    `json:"error,omitempty"`
}
