// Package hub fans tracking events out to subscribers grouped by topic.
//
// A Hub is created at service start and closed at shutdown. Delivery is
// best-effort and at most once: publishers never block, a full subscriber
// queue drops the event, and a subscriber that keeps falling behind is
// disconnected and must subscribe again.
package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/transit"
)

type Topic string

// AllVehicles receives every location and status event of every vehicle.
const AllVehicles Topic = "vehicles"

func VehicleTopic(code string) Topic {
	return Topic("vehicle:" + transit.NormalizeCode(code))
}

var (
	ErrClosed           = errors.New("hub closed")
	ErrSubscriberClosed = errors.New("subscriber disconnected")
)

type Metrics interface {
	SubscribersSet(n int)
	DeliveryDroppedInc()
	SubscriberDisconnectedInc()
}

type Options struct {
	QueueSize int
	// SlowLimit is the number of consecutive drops after which a subscriber
	// is disconnected. Zero disables disconnection.
	SlowLimit int
	Metrics   Metrics
}

type Subscriber struct {
	id     string
	ch     chan transit.Event
	drops  atomic.Int32
	closed bool // guarded by Hub.mu
}

func (s *Subscriber) ID() string { return s.id }

// C is closed when the subscriber is disconnected or the hub shuts down.
func (s *Subscriber) C() <-chan transit.Event { return s.ch }

type Hub struct {
	opts Options

	mu      sync.RWMutex
	topics  map[Topic]map[*Subscriber]struct{}
	members map[*Subscriber]map[Topic]struct{}
	closed  bool
}

func New(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Hub{
		opts:    opts,
		topics:  make(map[Topic]map[*Subscriber]struct{}),
		members: make(map[*Subscriber]map[Topic]struct{}),
	}
}

// NewSubscriber creates a subscriber with a bounded queue. It receives
// nothing until subscribed to a topic.
func (h *Hub) NewSubscriber() *Subscriber {
	return &Subscriber{
		id: uuid.NewString(),
		ch: make(chan transit.Event, h.opts.QueueSize),
	}
}

func (h *Hub) Subscribe(topic Topic, s *Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if s.closed {
		return ErrSubscriberClosed
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.topics[topic] = set
	}
	set[s] = struct{}{}
	m, ok := h.members[s]
	if !ok {
		m = make(map[Topic]struct{})
		h.members[s] = m
	}
	m[topic] = struct{}{}
	h.reportSubscribers()
	return nil
}

func (h *Hub) Unsubscribe(topic Topic, s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(topic, s)
	h.reportSubscribers()
}

func (h *Hub) unsubscribeLocked(topic Topic, s *Subscriber) {
	if set, ok := h.topics[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	if m, ok := h.members[s]; ok {
		delete(m, topic)
		if len(m) == 0 {
			delete(h.members, s)
		}
	}
}

// Remove unsubscribes s from every topic and closes its queue.
func (h *Hub) Remove(s *Subscriber) {
	h.disconnect(s)
}

// Publish delivers ev to the subscribers of topic. Location and status
// events also reach AllVehicles. It returns the number of subscribers the
// event was queued for.
func (h *Hub) Publish(topic Topic, ev transit.Event) int {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0
	}
	targets := make(map[*Subscriber]struct{}, len(h.topics[topic]))
	for s := range h.topics[topic] {
		targets[s] = struct{}{}
	}
	if topic != AllVehicles && fansOut(ev.Kind) {
		for s := range h.topics[AllVehicles] {
			targets[s] = struct{}{}
		}
	}

	delivered := 0
	var slow []*Subscriber
	for s := range targets {
		select {
		case s.ch <- ev:
			s.drops.Store(0)
			delivered++
		default:
			n := s.drops.Add(1)
			if h.opts.Metrics != nil {
				h.opts.Metrics.DeliveryDroppedInc()
			}
			if h.opts.SlowLimit > 0 && int(n) >= h.opts.SlowLimit {
				slow = append(slow, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		logrus.WithFields(logrus.Fields{"subscriber": s.id, "topic": topic}).Warn("disconnecting slow subscriber")
		if h.disconnect(s) && h.opts.Metrics != nil {
			h.opts.Metrics.SubscriberDisconnectedInc()
		}
	}
	return delivered
}

func (h *Hub) disconnect(s *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return false
	}
	for topic := range h.members[s] {
		h.unsubscribeLocked(topic, s)
	}
	s.closed = true
	close(s.ch)
	h.reportSubscribers()
	return true
}

// Subscribers returns the number of subscribers with at least one topic.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Close disconnects every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.members {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	h.topics = make(map[Topic]map[*Subscriber]struct{})
	h.members = make(map[*Subscriber]map[Topic]struct{})
	h.reportSubscribers()
}

func (h *Hub) reportSubscribers() {
	if h.opts.Metrics != nil {
		h.opts.Metrics.SubscribersSet(len(h.members))
	}
}

func fansOut(k transit.EventKind) bool {
	switch k {
	case transit.KindLocationUpdate, transit.KindStatusUpdate, transit.KindVehicleStatusChanged:
		return true
	}
	return false
}
