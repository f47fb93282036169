package orchestrator

import (
	"time"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/service"
)

// EventType names what an Event reports.
type EventType string

const (
	EventUpdate     EventType = "update"
	EventClip       EventType = "clip"
	EventMarker     EventType = "marker"
	EventInfo       EventType = "info"
	EventBackends   EventType = "backends"
	EventValidation EventType = "validation"
)

// Event is published after every batch.
type Event struct {
	Type         EventType           `json:"type"`
	Batch        string              `json:"batch,omitempty"`
	App          string              `json:"app,omitempty"`
	Metadata     *service.Metadata   `json:"metadata,omitempty"`
	Results      []Result            `json:"results,omitempty"`
	Assignations config.Assignations `json:"assignations,omitempty"`
	Time         time.Time           `json:"time"`
}

// Subscribe adds a listener for batch events
func (m *Manager) Subscribe() chan Event {
	ch := make(chan Event, 16)
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenersMu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (m *Manager) Unsubscribe(ch chan Event) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (m *Manager) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()

	for _, listener := range m.listeners {
		select {
		case listener <- ev:
		default:
			// slow listener, drop
		}
	}
}
