// Package transport abstracts the pub/sub channel a session publishes code
// over. The session core never talks to a pub/sub client directly; it only
// ever depends on the Adapter interface in this package.
package transport

import (
	"context"
	"encoding/json"
)

// MessageType is the discriminator on a device-to-host message.
type MessageType string

const (
	MessageConsole    MessageType = "CONSOLE"
	MessageError      MessageType = "ERROR"
	MessageResendCode MessageType = "RESEND_CODE"
)

// Message is a device-to-host payload received on the channel.
type Message struct {
	Type    MessageType
	Device  string
	Method  string        // set for CONSOLE
	Payload []interface{} // set for CONSOLE
	Error   string        // set for ERROR, raw JSON as the device sent it
}

// PresenceAction distinguishes the three presence transitions a device can
// generate.
type PresenceAction string

const (
	PresenceJoin    PresenceAction = "join"
	PresenceLeave   PresenceAction = "leave"
	PresenceTimeout PresenceAction = "timeout"
)

// PresenceEvent reports a device joining, leaving, or timing out of the
// channel. Device is the opaque identifier the transport carried for the
// subscriber, passed through raw: the session attempts the structured
// decode (DecodeDevice) and ignores identifiers that are not device
// descriptors, so non-device subscribers never surface as presence
// notifications to host listeners.
type PresenceEvent struct {
	Action PresenceAction
	Device string
}

// deviceDescriptor is the JSON shape a device identifies itself with in
// presence events and heartbeats.
type deviceDescriptor struct {
	ID string `json:"id"`
}

// DecodeDevice decodes a presence event's raw identifier into a device ID.
// An identifier that isn't valid JSON, or has no id, reports ok false; the
// session drops such events rather than surfacing them to listeners.
func DecodeDevice(raw string) (string, bool) {
	var desc deviceDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil || desc.ID == "" {
		return "", false
	}
	return desc.ID, true
}

// StatusKind reports the state of the underlying network connection.
type StatusKind string

const (
	StatusUp          StatusKind = "up"
	StatusDown        StatusKind = "down"
	StatusReconnected StatusKind = "reconnected"
)

// StatusEvent is a network connectivity transition.
type StatusEvent struct {
	Kind StatusKind
}

// PublishResult reports whether a publish succeeded.
type PublishResult struct {
	Err error
}

// Adapter is the contract every pub/sub transport implementation must
// satisfy. Subscribe and Unsubscribe are idempotent: a second call on an
// already-(un)subscribed channel is a no-op. Publish delivers at-most-once
// with no cross-publish ordering guarantee; callers that need publishes to
// observe a consistent ledger must serialize their own calls (package
// publish does this).
type Adapter interface {
	Subscribe(ctx context.Context, channel string, withPresence bool) error
	Unsubscribe(channel string) error
	Publish(ctx context.Context, channel string, message interface{}) PublishResult

	OnMessage(fn func(Message))
	OnPresence(fn func(PresenceEvent))
	OnStatus(fn func(StatusEvent))
}
