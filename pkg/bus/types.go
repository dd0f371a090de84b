package bus

// InboundMessage is one chat event handed from a channel to the coordinator.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	ChatID     string            `json:"chat_id"`
	MessageID  string            `json:"message_id,omitempty"`
	Content    string            `json:"content"`
	IsDM       bool              `json:"is_dm"`
	Mentioned  bool              `json:"mentioned"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
