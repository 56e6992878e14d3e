package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pyfast/engine/core/metrics"
)

// ErrSessionClosed reports a send on a session that is closing.
var ErrSessionClosed = errors.New("websocket: session closed")

// ErrSessionBusy reports a send dropped because the session's queue is
// full. Slow consumers never stall the sender.
var ErrSessionBusy = errors.New("websocket: send queue full")

const defaultSendQueue = 256

// InvokeFunc runs fn under the engine's host execution discipline. The
// engine binds it to the bridge when it creates a session.
type InvokeFunc func(ctx context.Context, fn func(context.Context) (any, error)) (any, error)

// SessionConfig carries everything a Session needs at creation.
type SessionConfig struct {
	ID      uint64
	Conn    *Conn
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Path and Params come from the upgrade request.
	Path   string
	Params map[string]string

	// Invoke dispatches handler callbacks. Nil means direct invocation,
	// which only tests should rely on.
	Invoke InvokeFunc

	// SendQueue is the outbound queue capacity. Default: 256.
	SendQueue int
}

// Session is one upgraded connection from handshake to close. The
// goroutine that calls Run is the read pump; a second goroutine drains
// the send queue.
type Session struct {
	id     uint64
	conn   *Conn
	hub    *Hub
	log    *slog.Logger
	met    *metrics.Metrics
	path   string
	params map[string]string

	invoke InvokeFunc

	send     chan Message
	done     chan struct{}
	pumpDone chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
	channels    map[string]struct{}
}

// NewSession builds a session around an upgraded connection.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	return &Session{
		id:       cfg.ID,
		conn:     cfg.Conn,
		hub:      cfg.Hub,
		log:      cfg.Logger,
		met:      cfg.Metrics,
		path:     cfg.Path,
		params:   cfg.Params,
		invoke:   cfg.Invoke,
		send:     make(chan Message, cfg.SendQueue),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// ID returns the session identifier, shared with the underlying
// connection.
func (s *Session) ID() uint64 { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Path returns the request path the session was opened on.
func (s *Session) Path() string { return s.path }

// Param returns a path parameter captured by the route pattern, or ""
// when the pattern has no such parameter.
func (s *Session) Param(key string) string { return s.params[key] }

// Run drives the session until it ends. The connection is closed and
// OnClose has fired by the time it returns.
func (s *Session) Run(ctx context.Context, h Handler) {
	s.met.SessionOpened()
	defer s.met.SessionClosed()
	if s.hub != nil {
		s.hub.register(s)
		defer s.hub.unregister(s)
	}

	go s.writePump()

	err := s.dispatch(ctx, func(ctx context.Context) error {
		return h.OnConnect(s)
	})
	if err == nil {
		err = s.readLoop(ctx, h)
	}

	s.finish(err)
	<-s.pumpDone

	cause := closeCause(err)
	cleanupCtx := context.WithoutCancel(ctx)
	if cbErr := s.dispatch(cleanupCtx, func(ctx context.Context) error {
		h.OnClose(s, cause)
		return nil
	}); cbErr != nil {
		s.log.Warn("websocket close callback failed",
			"session_id", s.id, "error", cbErr)
	}

	_ = s.conn.Close()
}

func (s *Session) readLoop(ctx context.Context, h Handler) error {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.met.RecordMessage("in")
		if err := s.dispatch(ctx, func(ctx context.Context) error {
			return h.OnMessage(s, msg)
		}); err != nil {
			return err
		}
	}
}

// dispatch routes a callback through the host execution discipline.
func (s *Session) dispatch(ctx context.Context, fn func(context.Context) error) error {
	if s.invoke == nil {
		return fn(ctx)
	}
	_, err := s.invoke(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// finish translates the read loop's exit into the close status the
// peer sees. A received close was already echoed by the connection.
func (s *Session) finish(err error) {
	code, reason := CloseNormal, ""
	var ce *CloseError
	switch {
	case err == nil, errors.As(err, &ce):
	default:
		code, reason = CloseInternalError, "internal error"
	}
	s.Close(code, reason)
}

// closeCause decides what OnClose reports: clean closes are nil,
// everything else keeps its error.
func closeCause(err error) error {
	var ce *CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseNormal, CloseGoingAway, CloseNoStatus:
			return nil
		}
	}
	return err
}

// Close begins a graceful close with the given status. The close frame
// is written after queued messages drain. Safe to call from any
// goroutine, repeatedly.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.mu.Lock()
		s.closeCode, s.closeReason = code, reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Terminate drops the connection immediately, skipping the close
// handshake.
func (s *Session) Terminate() {
	s.Close(CloseGoingAway, "")
	_ = s.conn.Close()
}

func (s *Session) writePump() {
	defer close(s.pumpDone)
	for {
		select {
		case msg := <-s.send:
			if err := s.conn.WriteMessage(msg.OpCode, msg.Payload); err != nil {
				s.log.Debug("websocket write failed",
					"session_id", s.id, "error", err)
				_ = s.conn.Close()
				return
			}
			s.met.RecordMessage("out")
		case <-s.done:
			for {
				select {
				case msg := <-s.send:
					if s.conn.WriteMessage(msg.OpCode, msg.Payload) != nil {
						return
					}
					s.met.RecordMessage("out")
				default:
					s.mu.Lock()
					code, reason := s.closeCode, s.closeReason
					s.mu.Unlock()
					_ = s.conn.SendClose(code, reason)
					return
				}
			}
		}
	}
}

// Send queues a binary message for delivery.
func (s *Session) Send(data []byte) error {
	return s.SendMessage(Message{OpCode: OpBinary, Payload: data})
}

// SendText queues a text message for delivery.
func (s *Session) SendText(text string) error {
	return s.SendMessage(Message{OpCode: OpText, Payload: []byte(text)})
}

// SendJSON marshals v and queues it as a text message.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendMessage(Message{OpCode: OpText, Payload: data})
}

// SendMessage queues msg. It fails fast with ErrSessionBusy on a full
// queue and ErrSessionClosed once the session is closing.
func (s *Session) SendMessage(msg Message) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSessionBusy
	}
}

// Subscribe joins a named channel for hub broadcasts.
func (s *Session) Subscribe(channel string) {
	if s.hub == nil {
		return
	}
	s.mu.Lock()
	if s.channels == nil {
		s.channels = make(map[string]struct{})
	}
	s.channels[channel] = struct{}{}
	s.mu.Unlock()
	s.hub.Join(channel, s)
}

// Unsubscribe leaves a named channel.
func (s *Session) Unsubscribe(channel string) {
	if s.hub == nil {
		return
	}
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
	s.hub.Leave(channel, s)
}

// Publish broadcasts a text message to a channel's subscribers,
// including this session when subscribed.
func (s *Session) Publish(channel string, data []byte) int {
	if s.hub == nil {
		return 0
	}
	return s.hub.Broadcast(channel, Message{OpCode: OpText, Payload: data})
}

// Channels lists the channels this session is subscribed to.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}
