package syncserver

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/realmkit/internal/protocol"
)

const dispatcherBufferSize = 64

// Dispatcher fans server messages out to every live connection of a user.
// Publishing never blocks; a connection with a full buffer misses the message.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*dispatchSubscriber
	nextID      int64
	bufferSize  int
}

type dispatchSubscriber struct {
	id     int64
	stream chan protocol.Message
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*dispatchSubscriber),
		bufferSize:  dispatcherBufferSize,
	}
}

// Subscribe registers a stream for userID until ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan protocol.Message, func()) {
	if userID == "" {
		ch := make(chan protocol.Message)
		close(ch)
		return ch, func() {}
	}
	subscriber := &dispatchSubscriber{
		id:     d.nextSequence(),
		stream: make(chan protocol.Message, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every stream of userID.
func (d *Dispatcher) Publish(userID string, message protocol.Message) {
	if userID == "" || message.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[userID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*dispatchSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Connections reports how many streams userID has open.
func (d *Dispatcher) Connections(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(userID string, subscriber *dispatchSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*dispatchSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
