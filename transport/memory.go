package transport

import (
	"context"
	"sync"
)

// MemoryAdapter is an in-process Adapter with no network dependency. It
// models the same subscribe/publish/callback contract as PubSubAdapter
// against a process-local registry of channels, following the single
// dispatch-map idiom used elsewhere in this module's dispatch loops rather
// than a full broker. It is useful both for tests and for local,
// single-process demos (see cmd/snack-host) where standing up a real
// Pub/Sub topic is unnecessary.
type MemoryAdapter struct {
	mu         sync.Mutex
	subscribed map[string]bool
	published  []interface{}
	onMessage  func(Message)
	onPresence func(PresenceEvent)
	onStatus   func(StatusEvent)
}

// NewMemoryAdapter returns a ready-to-use adapter with nothing subscribed.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{subscribed: make(map[string]bool)}
}

func (a *MemoryAdapter) Subscribe(ctx context.Context, channel string, withPresence bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribed[channel] = true
	return nil
}

func (a *MemoryAdapter) Unsubscribe(channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribed, channel)
	return nil
}

func (a *MemoryAdapter) Publish(ctx context.Context, channel string, message interface{}) PublishResult {
	a.mu.Lock()
	subscribed := a.subscribed[channel]
	if subscribed {
		a.published = append(a.published, message)
	}
	a.mu.Unlock()
	if !subscribed {
		return PublishResult{}
	}
	if msg, ok := message.(Message); ok {
		a.mu.Lock()
		onMessage := a.onMessage
		a.mu.Unlock()
		if onMessage != nil {
			onMessage(msg)
		}
	}
	return PublishResult{}
}

// Published returns every payload accepted by Publish so far, oldest
// first. There is no remote peer behind a MemoryAdapter, so this is how
// tests observe what a host would have sent.
func (a *MemoryAdapter) Published() []interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]interface{}, len(a.published))
	copy(out, a.published)
	return out
}

// Deliver injects a message as though it had arrived from a device,
// bypassing Publish's loopback-of-Message-only behavior. Tests use this to
// simulate device traffic; Publish is reserved for outbound host->device
// sends, which MemoryAdapter only records for Published (there is no
// remote peer to receive them).
func (a *MemoryAdapter) Deliver(msg Message) {
	a.mu.Lock()
	onMessage := a.onMessage
	a.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
}

// DeliverPresence injects a presence transition, as Watch would.
func (a *MemoryAdapter) DeliverPresence(evt PresenceEvent) {
	a.mu.Lock()
	onPresence := a.onPresence
	a.mu.Unlock()
	if onPresence != nil {
		onPresence(evt)
	}
}

func (a *MemoryAdapter) OnMessage(fn func(Message)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

func (a *MemoryAdapter) OnPresence(fn func(PresenceEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPresence = fn
}

func (a *MemoryAdapter) OnStatus(fn func(StatusEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStatus = fn
}
