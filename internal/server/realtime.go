package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/nous/internal/remote"
)

const defaultRealtimeBuffer = 32

// RealtimeMessage is one frame addressed to the members of a couple.
type RealtimeMessage struct {
	CoupleID string
	// Recipient limits delivery to one member; empty reaches every member.
	Recipient string
	Payload   remote.Message
}

// RealtimeDispatcher fans realtime frames out to the open streams of each couple. Slow streams
// lose frames rather than blocking writers; clients refetch after a reconnect.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	userID string
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBuffer,
	}
}

// Subscribe opens a stream for userID in coupleID. The stream is released when ctx ends or the
// returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, coupleID, userID string) (<-chan RealtimeMessage, func()) {
	if coupleID == "" || userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		userID: userID,
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(coupleID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(coupleID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.CoupleID == "" || message.Payload.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.CoupleID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if message.Recipient != "" && subscriber.userID != message.Recipient {
			continue
		}
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

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(coupleID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[coupleID]; !ok {
		d.subscribers[coupleID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[coupleID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(coupleID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[coupleID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, coupleID)
		}
	}
	d.mu.Unlock()
}
