package transport

import (
	"context"
	"encoding/json"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// wireEnvelope is the JSON shape published to and received from the topic.
// It multiplexes every message kind the device side can emit onto a single
// topic, discriminated by Type.
type wireEnvelope struct {
	Type    MessageType   `json:"type"`
	Device  string        `json:"device,omitempty"`
	Method  string        `json:"method,omitempty"`
	Payload []interface{} `json:"payload,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// PubSubAdapter is the production Adapter, backed by Google Cloud Pub/Sub.
// One adapter instance is expected to be shared by every session in a
// process: subscriptions are keyed by channel name in a sync.Map, so calling
// Subscribe twice for the same channel (e.g. because a session reconnected)
// is a cheap no-op rather than a duplicate receive loop. There is no
// reference count: a single Unsubscribe stops the channel's receive loop.
type PubSubAdapter struct {
	client *pubsub.Client
	topic  func(channel string) *pubsub.Topic

	subs sync.Map // channel string -> context.CancelFunc

	mu         sync.Mutex
	onMessage  func(Message)
	onPresence func(PresenceEvent)
	onStatus   func(StatusEvent)
}

// NewPubSubAdapter wraps an existing Pub/Sub client. The caller owns the
// client's lifetime (Close it when the process shuts down).
func NewPubSubAdapter(client *pubsub.Client) *PubSubAdapter {
	return &PubSubAdapter{
		client: client,
		topic:  client.Topic,
	}
}

// Subscribe starts receiving on channel if it isn't already being received
// on. withPresence is accepted to satisfy Adapter but has no effect:
// PubSubAdapter starts no presence stream and never invokes the callback
// registered with OnPresence. Presence for a Pub/Sub channel comes from a
// separate PresenceTracker.
func (a *PubSubAdapter) Subscribe(ctx context.Context, channel string, withPresence bool) error {
	if _, loaded := a.subs.Load(channel); loaded {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	if _, loaded := a.subs.LoadOrStore(channel, cancel); loaded {
		cancel()
		return nil
	}

	sub := a.client.Subscription(channel)
	go func() {
		err := sub.Receive(subCtx, func(ctx context.Context, msg *pubsub.Message) {
			a.dispatch(msg.Data)
			msg.Ack()
		})
		if err != nil && subCtx.Err() == nil {
			logrus.WithError(err).WithField("channel", channel).Error("pubsub receive loop exited")
			a.emitStatus(StatusDown)
		}
	}()
	return nil
}

// Unsubscribe stops the receive loop for channel. It is a no-op if the
// channel has no active subscription.
func (a *PubSubAdapter) Unsubscribe(channel string) error {
	v, ok := a.subs.LoadAndDelete(channel)
	if !ok {
		return nil
	}
	v.(context.CancelFunc)()
	return nil
}

// Publish marshals message as JSON and publishes it to channel, blocking
// until the broker has accepted it.
func (a *PubSubAdapter) Publish(ctx context.Context, channel string, message interface{}) PublishResult {
	data, err := json.Marshal(message)
	if err != nil {
		return PublishResult{Err: errors.Wrap(err, "marshal publish payload")}
	}
	result := a.topic(channel).Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return PublishResult{Err: errors.Wrap(err, "publish to channel")}
	}
	return PublishResult{}
}

func (a *PubSubAdapter) OnMessage(fn func(Message)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

func (a *PubSubAdapter) OnPresence(fn func(PresenceEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPresence = fn
}

func (a *PubSubAdapter) OnStatus(fn func(StatusEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStatus = fn
}

func (a *PubSubAdapter) dispatch(data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logrus.WithError(err).Warn("discarding undecodable pubsub message")
		return
	}

	a.mu.Lock()
	onMessage := a.onMessage
	a.mu.Unlock()
	if onMessage == nil {
		return
	}
	onMessage(Message{
		Type:    env.Type,
		Device:  env.Device,
		Method:  env.Method,
		Payload: env.Payload,
		Error:   env.Error,
	})
}

func (a *PubSubAdapter) emitStatus(kind StatusKind) {
	a.mu.Lock()
	onStatus := a.onStatus
	a.mu.Unlock()
	if onStatus != nil {
		onStatus(StatusEvent{Kind: kind})
	}
}
