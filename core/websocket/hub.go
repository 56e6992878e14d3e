package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pyfast/engine/core/metrics"
)

// Hub indexes live sessions and fans messages out to them. Sessions
// register themselves while running; named channels group sessions for
// targeted publishing.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	channels map[string]map[uint64]*Session

	registered atomic.Int64
	delivered  atomic.Int64

	met *metrics.Metrics
}

// NewHub builds an empty hub. met may be nil.
func NewHub(met *metrics.Metrics) *Hub {
	return &Hub{
		sessions: make(map[uint64]*Session),
		channels: make(map[string]map[uint64]*Session),
		met:      met,
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.registered.Add(1)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	for name, members := range h.channels {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.channels, name)
		}
	}
	h.mu.Unlock()
}

// Join adds s to a named channel, creating the channel on first use.
func (h *Hub) Join(channel string, s *Session) {
	h.mu.Lock()
	members := h.channels[channel]
	if members == nil {
		members = make(map[uint64]*Session)
		h.channels[channel] = members
	}
	members[s.id] = s
	h.mu.Unlock()
}

// Leave removes s from a channel. Empty channels are dropped.
func (h *Hub) Leave(channel string, s *Session) {
	h.mu.Lock()
	if members, ok := h.channels[channel]; ok {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers msg to every session, or to one channel's members
// when channel is non-empty. Sessions with full queues are skipped. It
// returns the number of sessions that accepted the message.
func (h *Hub) Broadcast(channel string, msg Message) int {
	h.mu.RLock()
	var targets []*Session
	if channel == "" {
		targets = make([]*Session, 0, len(h.sessions))
		for _, s := range h.sessions {
			targets = append(targets, s)
		}
	} else {
		members := h.channels[channel]
		targets = make([]*Session, 0, len(members))
		for _, s := range members {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.SendMessage(msg) == nil {
			sent++
		}
	}
	h.delivered.Add(int64(sent))
	h.met.RecordBroadcast()
	return sent
}

// BroadcastText broadcasts a text message.
func (h *Hub) BroadcastText(channel, text string) int {
	return h.Broadcast(channel, Message{OpCode: OpText, Payload: []byte(text)})
}

// BroadcastBinary broadcasts a binary message.
func (h *Hub) BroadcastBinary(channel string, data []byte) int {
	return h.Broadcast(channel, Message{OpCode: OpBinary, Payload: data})
}

// SendTo delivers msg to one session by id.
func (h *Hub) SendTo(id uint64, msg Message) error {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("websocket: no session %d", id)
	}
	return s.SendMessage(msg)
}

// Get returns a session by id.
func (h *Hub) Get(id uint64) (*Session, bool) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	return s, ok
}

// Range calls fn for each live session until fn returns false.
func (h *Hub) Range(fn func(*Session) bool) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !fn(s) {
			return
		}
	}
}

// CloseAll begins a graceful close on every session.
func (h *Hub) CloseAll(code int, reason string) {
	h.Range(func(s *Session) bool {
		s.Close(code, reason)
		return true
	})
}

// TerminateAll force-drops every session.
func (h *Hub) TerminateAll() {
	h.Range(func(s *Session) bool {
		s.Terminate()
		return true
	})
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ChannelCount returns the number of channels with members.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Stats summarizes hub activity for health reporting.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	current, channels := len(h.sessions), len(h.channels)
	h.mu.RUnlock()
	return map[string]any{
		"sessions_total":     h.registered.Load(),
		"sessions_current":   current,
		"channels":           channels,
		"messages_delivered": h.delivered.Load(),
	}
}
