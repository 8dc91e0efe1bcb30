package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventMetricSample  EventType = "metric_sample"
)

// Event is one status-change or metrics push to connected dashboards.
type Event struct {
	Type      EventType               `json:"type"`
	CameraID  string                  `json:"camera_id"`
	SessionID string                  `json:"session_id,omitempty"`
	Status    model.PublicationStatus `json:"status,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Sample    *model.MetricSample     `json:"sample,omitempty"`
	At        time.Time               `json:"at"`
}

const subscriberBuffer = 64

// Hub broadcasts events to currently subscribed consumers. Delivery is
// best-effort: a subscriber whose buffer is full loses the event rather than
// blocking the publisher, and nothing is retained across disconnects.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	log  zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{subs: make(map[int]chan Event), log: log}
}

// Subscribe returns a receive channel and a cancel func. Cancel is idempotent
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Debug().Int("subscriber", id).Str("type", string(ev.Type)).Msg("subscriber buffer full, dropping event")
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
