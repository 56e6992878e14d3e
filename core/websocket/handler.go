package websocket

// Handler receives session lifecycle callbacks. Callbacks run under the
// engine's host execution discipline: no two handler callbacks, HTTP or
// WebSocket, ever run concurrently.
type Handler interface {
	// OnConnect runs once after the upgrade completes. Returning an
	// error rejects the session, which closes with status 1011.
	OnConnect(s *Session) error

	// OnMessage runs for every complete data message. Returning an
	// error ends the session with status 1011.
	OnMessage(s *Session, msg Message) error

	// OnClose runs exactly once when the session ends. err is nil for a
	// clean close.
	OnClose(s *Session, err error)
}

// HandlerFuncs adapts optional callbacks to a Handler. Nil callbacks
// are no-ops.
type HandlerFuncs struct {
	Connect func(*Session) error
	Message func(*Session, Message) error
	Close   func(*Session, error)
}

func (h HandlerFuncs) OnConnect(s *Session) error {
	if h.Connect == nil {
		return nil
	}
	return h.Connect(s)
}

func (h HandlerFuncs) OnMessage(s *Session, msg Message) error {
	if h.Message == nil {
		return nil
	}
	return h.Message(s, msg)
}

func (h HandlerFuncs) OnClose(s *Session, err error) {
	if h.Close != nil {
		h.Close(s, err)
	}
}
