package realtime

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher is the in-process Feed used when a single node serves every client.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*dispatcherSubscriber
	nextID      int64
	bufferSize  int
}

type dispatcherSubscriber struct {
	id     int64
	filter Filter
	stream *streamSubscription
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*dispatcherSubscriber),
		bufferSize:  defaultBufferSize,
	}
}

func (d *Dispatcher) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if filter.Table == "" {
		return nil, errMissingTable
	}
	subscriber := &dispatcherSubscriber{
		id:     d.nextSequence(),
		filter: filter,
	}
	subscriber.stream = newStreamSubscription(d.bufferSize, func() {
		d.unregisterSubscriber(filter.Table, subscriber.id)
	})
	d.registerSubscriber(subscriber)
	go func() {
		select {
		case <-ctx.Done():
			subscriber.stream.finish(nil)
		case <-subscriber.stream.closedSignal():
		}
	}()
	return subscriber.stream, nil
}

func (d *Dispatcher) Publish(_ context.Context, event ChangeEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Table]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return nil
	}
	copies := make([]*dispatcherSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber.filter.Matches(event) {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		subscriber.stream.deliver(event)
	}
	return nil
}

// SubscriberCount reports the number of live subscriptions across all tables.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(subscriber *dispatcherSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	table := subscriber.filter.Table
	if _, ok := d.subscribers[table]; !ok {
		d.subscribers[table] = make(map[int64]*dispatcherSubscriber)
	}
	d.subscribers[table][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(table string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[table]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, table)
		}
	}
	d.mu.Unlock()
}
