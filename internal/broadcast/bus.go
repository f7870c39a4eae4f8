// Package broadcast fans classified events, correlation alerts, and
// status streams out to subscribers. Delivery is best-effort and never
// blocks the pipeline.
package broadcast

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// StreamType names one broadcast stream.
type StreamType string

const (
	StreamSecurityEvent     StreamType = "security_event"
	StreamCorrelationAlert  StreamType = "correlation_alert"
	StreamScanProgress      StreamType = "scan_progress"
	StreamSystemMetrics     StreamType = "system_metrics"
	StreamThreatIntelStatus StreamType = "threat_intel_status"
)

// subscriberBuffer is the per-subscriber outbound channel depth.
const subscriberBuffer = 256

// System metrics are shed above this rate before fan-out.
const (
	metricsPerSecond = 1
	metricsBurst     = 5
)

// Message is one broadcast envelope.
type Message struct {
	Stream  StreamType  `json:"stream"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// Subscription is a registered consumer. Messages arrive on C in producer
// order; a subscription that stops draining is skipped or dropped per the
// bus policy.
type Subscription struct {
	ID      string
	C       <-chan Message
	bus     *Bus
	ch      chan Message
	streams map[StreamType]bool
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.ID)
}

// Bus is the fan-out hub. With skipBlocked true a full subscriber buffer
// sheds only that message; with skipBlocked false the subscriber itself is
// dropped.
type Bus struct {
	mu          sync.RWMutex
	subs        map[string]*Subscription
	skipBlocked bool
	metricsRate *rate.Limiter
	logger      *log.Logger

	published uint64
	shed      uint64
}

func NewBus(skipBlocked bool) *Bus {
	return &Bus{
		subs:        make(map[string]*Subscription),
		skipBlocked: skipBlocked,
		metricsRate: rate.NewLimiter(metricsPerSecond, metricsBurst),
		logger:      log.New(log.Writer(), "[Broadcast] ", log.LstdFlags),
	}
}

// Subscribe registers a consumer for the given streams. No streams means
// all streams.
func (b *Bus) Subscribe(streams ...StreamType) *Subscription {
	ch := make(chan Message, subscriberBuffer)
	sub := &Subscription{
		ID:      uuid.NewString(),
		C:       ch,
		ch:      ch,
		streams: make(map[StreamType]bool, len(streams)),
	}
	for _, s := range streams {
		sub.streams[s] = true
	}
	sub.bus = b

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Publish fans the payload out to every matching subscriber without
// blocking.
func (b *Bus) Publish(stream StreamType, payload interface{}) {
	if stream == StreamSystemMetrics && !b.metricsRate.Allow() {
		atomic.AddUint64(&b.shed, 1)
		return
	}

	msg := Message{Stream: stream, Time: time.Now(), Payload: payload}
	atomic.AddUint64(&b.published, 1)

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if len(sub.streams) == 0 || sub.streams[stream] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var stalled []string
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			atomic.AddUint64(&b.shed, 1)
			if b.skipBlocked {
				continue
			}
			stalled = append(stalled, sub.ID)
		}
	}

	for _, id := range stalled {
		b.logger.Printf("Dropping stalled subscriber %s", id)
		b.unsubscribe(id)
	}
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the number of accepted publishes.
func (b *Bus) Published() uint64 { return atomic.LoadUint64(&b.published) }

// Shed returns the number of messages shed by rate limiting or full
// subscriber buffers.
func (b *Bus) Shed() uint64 { return atomic.LoadUint64(&b.shed) }
