package events

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Event names pushed to connected clients.
const (
	CreateDownloadTask   = "create_download_task"
	UpdateDownloadTask   = "update_download_task"
	CompleteDownloadTask = "complete_download_task"
	ErrorDownloadTask    = "error_download_task"
	DeleteDownloadTask   = "delete_download_task"
	UpdateScanTask       = "update_scan_task"
	CompleteScanTask     = "complete_scan_task"
	ErrorScanTask        = "error_scan_task"
)

// Event pairs a name with an arbitrary JSON-marshalable payload.
type Event struct {
	Name    string      `json:"type"`
	Payload interface{} `json:"detail"`
}

// Encode renders the event as a single JSON document.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than blocking publishers.
const subscriberBuffer = 64

// Bus is an in-process publish/subscribe fanout. Publishing never blocks;
// slow subscribers drop events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel together with
// a dispose function. The dispose function is idempotent and closes the
// channel, so receivers can range over it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, dispose
}

// Publish delivers an event to every current subscriber without blocking.
func (b *Bus) Publish(name string, payload interface{}) {
	ev := Event{Name: name, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("subscriber", id).Debugf("Dropping event %s for slow subscriber", name)
		}
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
