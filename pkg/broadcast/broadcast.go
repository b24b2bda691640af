// Package broadcast fans accepted oplog entries out to live subscribers.
//
// The broadcaster never blocks the oplog append path: every subscriber owns
// a bounded outbound buffer and overflow drops the oldest buffered event.
// Dropping is safe because operations events omit post-images; a client
// that misses one catches up on its next pull. Drop-oldest also keeps
// keep-alive pings flowing to slow consumers.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/metrics"
	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/google/uuid"
)

// replayRingSize bounds how many recent operations events are kept for
// Last-Event-ID resume. A reconnect that lost more than this simply pulls.
const replayRingSize = 256

// Config controls the broadcaster.
type Config struct {
	// MaxTotalConnections caps subscribers across all devices. Default: 1000.
	MaxTotalConnections int

	// MaxConnectionsPerDevice caps subscriptions per device; admitting past
	// it evicts the device's oldest. Default: 5.
	MaxConnectionsPerDevice int

	// KeepAliveInterval is the ping cadence. Default: 30s.
	KeepAliveInterval time.Duration

	// BufferSize is each subscriber's outbound buffer. Default: 64.
	BufferSize int

	// CurrentCursor reports a database's cursor for connected events. The
	// replication service provides it; the broadcaster never reads storage.
	CurrentCursor func(dbID string) int64

	// Metrics receives broadcaster observations. Nil disables collection.
	Metrics metrics.BroadcastMetrics
}

func (c *Config) applyDefaults() {
	if c.MaxTotalConnections <= 0 {
		c.MaxTotalConnections = 1000
	}
	if c.MaxConnectionsPerDevice <= 0 {
		c.MaxConnectionsPerDevice = 5
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
}

// Subscription is one live subscriber channel.
type Subscription struct {
	ID          string
	DBID        string
	DeviceID    string
	Collections []string

	ch          chan Event
	collections map[string]bool
	createdAt   time.Time
	eventsSent  int64
	closed      bool
}

// Events returns the outbound channel. It is closed on eviction,
// unsubscribe, or failure.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) admits(collection string) bool {
	return s.collections == nil || s.collections[collection]
}

// Stats is a point-in-time broadcaster snapshot.
type Stats struct {
	ActiveSubscriptions int   `json:"activeSubscriptions"`
	EventsSent          int64 `json:"eventsSent"`
	EventsDropped       int64 `json:"eventsDropped"`
	Evictions           int64 `json:"evictions"`
}

// Broadcaster tracks subscribers and delivers events.
type Broadcaster struct {
	config Config

	mu       sync.Mutex
	subs     map[string]*Subscription
	byDevice map[string][]*Subscription
	seq      int64
	ring     []Event

	eventsSent    int64
	eventsDropped int64
	evictions     int64
}

// New creates a broadcaster.
func New(config Config) *Broadcaster {
	config.applyDefaults()
	return &Broadcaster{
		config:   config,
		subs:     make(map[string]*Subscription),
		byDevice: make(map[string][]*Subscription),
	}
}

// ErrTooManyConnections is returned when the total connection cap is hit.
var ErrTooManyConnections = errTooMany{}

type errTooMany struct{}

func (errTooMany) Error() string { return "broadcast: too many connections" }

// Subscribe admits a subscriber and emits its connected event. lastEventID,
// when set, replays buffered operations events issued strictly after it.
func (b *Broadcaster) Subscribe(dbID, deviceID string, collections []string, lastEventID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.config.MaxTotalConnections {
		return nil, ErrTooManyConnections
	}

	// A device at its cap loses its oldest subscription.
	if device := b.byDevice[deviceID]; len(device) >= b.config.MaxConnectionsPerDevice {
		oldest := device[0]
		for _, sub := range device[1:] {
			if sub.createdAt.Before(oldest.createdAt) {
				oldest = sub
			}
		}
		b.evictions++
		if b.config.Metrics != nil {
			b.config.Metrics.RecordEviction()
		}
		logger.Debug("evicting oldest subscription",
			logger.Device(deviceID), logger.Subscription(oldest.ID))
		b.removeLocked(oldest)
	}

	sub := &Subscription{
		ID:          uuid.NewString(),
		DBID:        dbID,
		DeviceID:    deviceID,
		Collections: collections,
		ch:          make(chan Event, b.config.BufferSize),
		createdAt:   time.Now(),
	}
	if len(collections) > 0 {
		sub.collections = make(map[string]bool, len(collections))
		for _, c := range collections {
			sub.collections[c] = true
		}
	}
	b.subs[sub.ID] = sub
	b.byDevice[deviceID] = append(b.byDevice[deviceID], sub)
	if b.config.Metrics != nil {
		b.config.Metrics.SetActiveSubscriptions(len(b.subs))
	}

	var cursor int64
	if b.config.CurrentCursor != nil {
		cursor = b.config.CurrentCursor(dbID)
	}
	b.sendLocked(sub, Event{
		Type: EventConnected,
		Data: map[string]any{
			"subscriptionId": sub.ID,
			"serverCursor":   cursor,
		},
	})

	if lastEventID != "" {
		b.replayLocked(sub, lastEventID)
	}

	logger.Debug("subscriber admitted",
		logger.Subscription(sub.ID), logger.Device(deviceID),
		logger.Database(dbID), "subscribers", len(b.subs))
	return sub, nil
}

// replayLocked redelivers ring events issued after lastEventID that the
// subscription's filter admits.
func (b *Broadcaster) replayLocked(sub *Subscription, lastEventID string) {
	last, err := ParseEventID(lastEventID)
	if err != nil {
		// Treat junk as absent: the connected event already carries the
		// cursor, so the client can pull instead.
		return
	}
	for _, ev := range b.ring {
		id, err := ParseEventID(ev.ID)
		if err != nil || !id.After(last) {
			continue
		}
		if ev.Data["dbId"] != sub.DBID {
			continue
		}
		collection, _ := ev.Data["collection"].(string)
		if !sub.admits(collection) {
			continue
		}
		if device, _ := ev.Data["deviceId"].(string); device == sub.DeviceID {
			continue
		}
		b.sendLocked(sub, ev)
	}
}

// Publish fans an accepted oplog entry out as an operations event. The
// post-image is omitted; subscribers pull for payloads.
func (b *Broadcaster) Publish(dbID string, entry protocol.ServerOplogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		ID:   EventID{Cursor: entry.ServerCursor, Seq: b.seq}.String(),
		Type: EventOperations,
		Data: map[string]any{
			"dbId":          dbID,
			"serverCursor":  entry.ServerCursor,
			"collection":    entry.Op.Collection,
			"entityId":      entry.Op.EntityID,
			"opType":        string(entry.Op.OpType),
			"deviceId":      entry.Op.DeviceID,
			"entityVersion": entry.Op.EntityVersion,
		},
	}

	b.ring = append(b.ring, ev)
	if len(b.ring) > replayRingSize {
		b.ring = b.ring[len(b.ring)-replayRingSize:]
	}

	for _, sub := range b.subs {
		if sub.DBID != dbID {
			continue
		}
		if sub.DeviceID == entry.Op.DeviceID {
			continue
		}
		if !sub.admits(entry.Op.Collection) {
			continue
		}
		b.sendLocked(sub, ev)
	}
}

// Run emits keep-alive pings until the context is cancelled, then closes
// every remaining subscription. Gone consumers are removed by Unsubscribe
// or by per-device eviction, not by the tick.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return ctx.Err()
		case <-ticker.C:
			b.pingAll()
		}
	}
}

func (b *Broadcaster) pingAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ping := Event{Type: EventPing, Data: map[string]any{"ts": time.Now().UnixMilli()}}
	for _, sub := range b.subs {
		b.sendLocked(sub, ping)
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		b.removeLocked(sub)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		b.removeLocked(sub)
	}
}

// Fail emits an error event on the subscription, then closes it.
func (b *Broadcaster) Fail(id, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	b.sendLocked(sub, Event{
		Type: EventError,
		Data: map[string]any{"message": message},
	})
	b.removeLocked(sub)
}

// GetStats returns a snapshot of broadcaster counters.
func (b *Broadcaster) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ActiveSubscriptions: len(b.subs),
		EventsSent:          b.eventsSent,
		EventsDropped:       b.eventsDropped,
		Evictions:           b.evictions,
	}
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if sub.closed {
		delete(b.subs, sub.ID)
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(b.subs, sub.ID)
	if b.config.Metrics != nil {
		b.config.Metrics.SetActiveSubscriptions(len(b.subs))
	}

	device := b.byDevice[sub.DeviceID]
	for i, other := range device {
		if other.ID == sub.ID {
			b.byDevice[sub.DeviceID] = append(device[:i], device[i+1:]...)
			break
		}
	}
	if len(b.byDevice[sub.DeviceID]) == 0 {
		delete(b.byDevice, sub.DeviceID)
	}
}

// sendLocked enqueues without blocking: on a full buffer the oldest
// buffered event is dropped to make room.
func (b *Broadcaster) sendLocked(sub *Subscription, ev Event) {
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- ev:
			sub.eventsSent++
			b.eventsSent++
			if b.config.Metrics != nil {
				b.config.Metrics.RecordEvent(string(ev.Type))
			}
			return
		default:
		}
		select {
		case <-sub.ch:
			b.eventsDropped++
			if b.config.Metrics != nil {
				b.config.Metrics.RecordEventDropped()
			}
		default:
		}
	}
}
