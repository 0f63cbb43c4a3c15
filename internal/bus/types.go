// Package bus defines the message types exchanged between channel adapters,
// the trust gate and the agent runtime.
package bus

// InboundMessage is a normalized message received from a channel adapter.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	InstanceKey string           `json:"instance_key,omitempty"`
	SessionID  string            `json:"session_id"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	ThreadID   string            `json:"thread_id,omitempty"`
	Content    string            `json:"content"`
	PeerKind   string            `json:"peer_kind,omitempty"` // "direct" or "group"
	Candidates []string          `json:"candidates,omitempty"` // identifier candidates for the trust gate
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to be delivered through a channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	Target   string            `json:"target"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InboundHandler processes an inbound message and returns the reply text.
// An empty reply means the adapter should stay silent.
type InboundHandler func(msg InboundMessage) (string, error)

// Event is a server-side event broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription, decoupling the
// gateway server from concrete consumers.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
