package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const subscriberBufSize = 256

// Event types published on the feed.
const (
	TypeInjected       = "injection.success"
	TypeInjectionError = "injection.error"
	TypeScriptLog      = "script.log"
	TypeInstalled      = "script.installed"
	TypeRemoved        = "script.removed"
	TypeToggled        = "script.toggled"
	TypeUpdated        = "update.applied"
	TypeUpdateFailed   = "update.failed"
	TypeBindFallback   = "api.bind_fallback"
)

// Event is one diagnostic record for the shell.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	TabID      string    `json:"tab_id,omitempty"`
	PageURL    string    `json:"page_url,omitempty"`
	ScriptID   string    `json:"script_id,omitempty"`
	ScriptName string    `json:"script_name,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Level      string    `json:"level,omitempty"`
	Message    string    `json:"message,omitempty"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Broker fans out events to all subscribers and an optional journal.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	journal     *Journal
}

// NewBroker creates a broker. journal may be nil.
func NewBroker(journal *Journal) *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
		journal:     journal,
	}
}

// Subscribe registers a new client. The channel is buffered; slow consumers
// have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish stamps evt and sends it to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	evt.Message, _ = truncateText(evt.Message, MaxTextBytes)
	evt.Error, _ = truncateText(evt.Error, MaxTextBytes)
	if b.journal != nil {
		_ = b.journal.Write(evt)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
