package transport

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// PresenceTTL is how long a device heartbeat key lives before it is
// considered stale. A device that stops heartbeating without sending an
// explicit leave times out silently once its key expires.
const PresenceTTL = 30 * time.Second

// pollInterval is how often PresenceTracker reconciles the live key set
// against the set it last observed.
const pollInterval = 5 * time.Second

// PresenceTracker synthesizes join/leave/timeout events for a channel from
// TTL-backed heartbeat keys in Redis, rather than relying on the pub/sub
// transport itself to carry presence (most pub/sub brokers, Google Cloud
// Pub/Sub included, have no native presence concept). Every device
// heartbeat refreshes its key's TTL; a key that is present on one poll and
// absent (expired) on the next produces a timeout event, and an explicit
// Leave produces a leave event immediately instead of waiting out the TTL.
type PresenceTracker struct {
	rdb *redis.Client

	mu       sync.Mutex
	seen     map[string]map[string]struct{} // channel -> set of device keys
	cancels  map[string]context.CancelFunc
	watchers map[string]func(PresenceEvent)
}

// NewPresenceTracker wraps an existing Redis client. The caller owns the
// client's lifetime.
func NewPresenceTracker(rdb *redis.Client) *PresenceTracker {
	return &PresenceTracker{
		rdb:      rdb,
		seen:     make(map[string]map[string]struct{}),
		cancels:  make(map[string]context.CancelFunc),
		watchers: make(map[string]func(PresenceEvent)),
	}
}

func presenceKey(channel string) string {
	return "snack:presence:" + channel
}

// Heartbeat refreshes (or creates) channel's membership record for device,
// resetting its TTL. Devices are expected to call this at an interval
// shorter than PresenceTTL.
func (p *PresenceTracker) Heartbeat(ctx context.Context, channel, device string) error {
	return p.rdb.HSet(ctx, presenceKey(channel), device, time.Now().Unix()).Err()
}

// Leave removes device from channel's membership immediately, independent
// of TTL expiry, and reports a leave event to an active Watch rather than
// letting the next reconcile report it as a timeout.
func (p *PresenceTracker) Leave(ctx context.Context, channel, device string) error {
	if err := p.rdb.HDel(ctx, presenceKey(channel), device).Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if s, ok := p.seen[channel]; ok {
		delete(s, device)
	}
	onEvent := p.watchers[channel]
	p.mu.Unlock()

	if onEvent != nil {
		onEvent(PresenceEvent{Action: PresenceLeave, Device: device})
	}
	return nil
}

// Watch begins polling channel for membership changes, invoking onEvent for
// every join, leave, and timeout it detects, until ctx is canceled or Stop
// is called. Events carry the raw identifier each member heartbeat with;
// deciding whether it decodes as a device descriptor is the session's job,
// not the tracker's.
func (p *PresenceTracker) Watch(ctx context.Context, channel string, onEvent func(PresenceEvent)) {
	p.mu.Lock()
	if _, active := p.cancels[channel]; active {
		p.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	p.cancels[channel] = cancel
	p.seen[channel] = make(map[string]struct{})
	p.watchers[channel] = onEvent
	p.mu.Unlock()

	go p.pollLoop(watchCtx, channel, onEvent)
}

// Stop ends the poll loop started by Watch for channel.
func (p *PresenceTracker) Stop(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[channel]; ok {
		cancel()
		delete(p.cancels, channel)
		delete(p.seen, channel)
		delete(p.watchers, channel)
	}
}

func (p *PresenceTracker) pollLoop(ctx context.Context, channel string, onEvent func(PresenceEvent)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcile(ctx, channel, onEvent)
		}
	}
}

func (p *PresenceTracker) reconcile(ctx context.Context, channel string, onEvent func(PresenceEvent)) {
	members, err := p.rdb.HGetAll(ctx, presenceKey(channel)).Result()
	if err != nil {
		logrus.WithError(err).WithField("channel", channel).Warn("presence poll failed")
		return
	}

	now := time.Now().Unix()
	live := make(map[string]struct{}, len(members))
	for device, tsStr := range members {
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil || now-ts > int64(PresenceTTL.Seconds()) {
			p.rdb.HDel(ctx, presenceKey(channel), device)
			continue
		}
		live[device] = struct{}{}
	}

	p.mu.Lock()
	prior := p.seen[channel]
	p.seen[channel] = live
	p.mu.Unlock()

	for device := range live {
		if _, ok := prior[device]; !ok {
			onEvent(PresenceEvent{Action: PresenceJoin, Device: device})
		}
	}
	for device := range prior {
		if _, ok := live[device]; !ok {
			onEvent(PresenceEvent{Action: PresenceTimeout, Device: device})
		}
	}
}
