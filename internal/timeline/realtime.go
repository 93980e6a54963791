package timeline

import (
	"context"
	"sync"
	"time"
)

// RealtimeMessage is one event batch delivered over a session channel.
type RealtimeMessage struct {
	Channel   string
	SessionID string
	Events    []Event
	Timestamp time.Time
}

// Dispatcher fans event batches out to in-process channel subscribers.
// Delivery is best effort: a subscriber with a full buffer is skipped.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe opens a stream scoped to one channel. The stream closes its
// registration when ctx is done or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, channel string) (<-chan RealtimeMessage, func()) {
	if channel == "" {
		stream := make(chan RealtimeMessage)
		close(stream)
		return stream, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.register(channel, sub)
	cleanup := func() {
		d.unregister(channel, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the message to every current subscriber of its channel.
func (d *Dispatcher) Publish(message RealtimeMessage) {
	if message.Channel == "" || len(message.Events) == 0 {
		return
	}
	d.mu.RLock()
	subs := d.subscribers[message.Channel]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(channel string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*subscriber)
	}
	d.subscribers[channel][sub.id] = sub
}

func (d *Dispatcher) unregister(channel string, subscriberID int64) {
	d.mu.Lock()
	subs := d.subscribers[channel]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}
