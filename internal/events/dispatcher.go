package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted for off-system consumers. Events carry observability
// data only; no internal logic depends on them.
const (
	TypeStake              = "stake"
	TypeUnstake            = "unstake"
	TypeMethodConfigured   = "method-configured"
	TypeRewardDistributed  = "reward-distributed"
	TypeRewardClaimed      = "reward-claimed"
	TypeEpochFinalized     = "epoch-finalized"
	TypeDistributorAdded   = "distributor-added"
	TypeDistributorRemoved = "distributor-removed"
	TypeParameterChanged   = "parameter-changed"
)

// Event is one observability record.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Account    string            `json:"account,omitempty"`
	Method     string            `json:"method,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publisher is the write side exposed to the ledger and reward engines.
type Publisher interface {
	Publish(event Event)
}

// Dispatcher fans events out to subscribers without blocking publishers.
// Slow subscribers drop events rather than stalling ledger operations.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  64,
	}
}

// Subscribe registers a listener for all events until ctx is done. The
// returned cleanup is idempotent.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish stamps and fans out the event. Never blocks.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			event.ID = id.String()
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- event:
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
