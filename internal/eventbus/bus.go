package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the relay.
const (
	TypeTickCompleted   = "monitor.tick.completed"
	TypeTickFailed      = "monitor.tick.failed"
	TypeStreamLive      = "monitor.stream.live"
	TypeStreamOffline   = "monitor.stream.offline"
	TypeAlertDelivered  = "notifier.alert.delivered"
	TypeAlertFailed     = "notifier.alert.failed"
	TypeAlertDropped    = "notifier.alert.dropped"
	TypeConfigReloaded  = "config.reloaded"
	TypeWatchlistChange = "commands.watchlist.changed"
)

// Event is an in-memory signal between components. Publish never blocks;
// slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Transition is the Data of TypeStreamLive / TypeStreamOffline.
type Transition struct {
	Channel  string
	Watchers int
}

// AlertOutcome is the Data of the notifier alert events.
type AlertOutcome struct {
	AlertID   string
	ChatID    int64
	Endpoints int
	Failed    int
	Err       string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Nop discards everything. Useful as a default.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
