package replication

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"georepl/internal/lag"
	"georepl/internal/repair"
)

// EventKind names an event.
type EventKind string

const (
	EventConflict          EventKind = "conflict"
	EventConflictResolved  EventKind = "conflictResolved"
	EventLagUpdated        EventKind = "lagUpdated"
	EventHighLag           EventKind = "highLag"
	EventChecksumRejected  EventKind = "checksumRejected"
	EventPropagationFailed EventKind = "propagationFailed"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	At       time.Time
	Key      string
	Region   string
	Conflict *repair.Conflict
	Lag      *lag.ReplicationLag
	Err      error
}

// Observer receives every event in emission order. It runs on the
// coordinator's delivery goroutine and may call back into the coordinator.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type subscriber struct {
	ch      chan Event
	dropped int
}

// emitter queues events and delivers them from one goroutine so emitting
// never blocks the caller.
type emitter struct {
	mu        sync.Mutex
	queue     []Event
	wake      chan struct{}
	closed    bool
	observers []Observer
	subs      map[int]*subscriber
	nextSub   int
	logger    log.Logger

	done chan struct{}
}

func newEmitter(logger log.Logger, observers []Observer) *emitter {
	e := &emitter{
		wake:      make(chan struct{}, 1),
		observers: observers,
		subs:      make(map[int]*subscriber),
		logger:    logger,
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = sub
	e.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (e *emitter) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			e.deliver(ev)
		}

		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		<-e.wake
	}
}

func (e *emitter) deliver(ev Event) {
	for _, o := range e.observers {
		o.OnEvent(ev)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			level.Warn(e.logger).Log("msg", "event subscriber full, dropping event", "kind", ev.Kind, "dropped", sub.dropped)
		}
	}
}

// close delivers what is queued, then closes every subscription.
func (e *emitter) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subs {
		close(sub.ch)
		delete(e.subs, id)
	}
}
