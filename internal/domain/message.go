package domain

const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
)

// Message is a single persisted chat message, either the inbound user text or
// the streamed assistant reply.
type Message struct {
	ChatID    string
	MessageID string
	UserID    string
	Author    string
	Content   string
	Tokens    int
	Status    string
	CreatedAt string
	TTL       int64
}

// ChatMeta stores aggregate chat state.
type ChatMeta struct {
	ChatID       string
	UserID       string
	LastActivity string
	Turns        int
	TTL          int64
}

// Association is the correlation pair attached to the telemetry of one chat
// turn.
type Association struct {
	UserID string
	ChatID string
}

func (a Association) Properties() map[string]string {
	return map[string]string{
		"user_id": a.UserID,
		"chat_id": a.ChatID,
	}
}
