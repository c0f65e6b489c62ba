package library

import (
	"log/slog"
	"sync"
)

// Event is one of the typed payloads from the models package:
// SnapshotUpdated, RecordEnriched, or FavoriteToggled.
type Event any

// Publisher fans events out to subscribers. Sends never block the library's
// update path: a subscriber that stops draining its channel loses events and
// is expected to re-read the snapshot when it catches up.
type Publisher struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

const subscriberBuffer = 64

// Subscribe registers a new subscriber and returns its event channel. The
// channel is closed when the publisher shuts down.
func (p *Publisher) Subscribe() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, ch)
	return ch
}

func (p *Publisher) publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("Dropping event for slow subscriber.", "event", e)
		}
	}
}

// Close closes every subscriber channel. Further publishes are discarded.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}
