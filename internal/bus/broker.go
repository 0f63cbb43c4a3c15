package bus

import "sync"

// Broker is an in-memory EventPublisher. Handlers run on the caller's
// goroutine; subscribers that need to block must hand off themselves.
type Broker struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{handlers: make(map[string]EventHandler)}
}

func (b *Broker) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event to every current subscriber.
func (b *Broker) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
