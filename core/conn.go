package core

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyfast/engine/core/http"
	"github.com/pyfast/engine/core/pools"
	"github.com/pyfast/engine/core/router"
	"github.com/pyfast/engine/core/scheduler"
	"github.com/pyfast/engine/core/websocket"
)

// connState tracks where a connection is in its lifecycle.
type connState int32

const (
	stateActive connState = iota
	stateUpgraded
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateUpgraded:
		return "upgraded"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// readBufSize matches the byte pool's largest tier.
	readBufSize = 32 << 10

	// maxDrainBytes is the most body we will read and discard to keep a
	// connection alive after a 413. Bigger bodies close the connection.
	maxDrainBytes = 1 << 20
)

// chunk is one encoded response waiting its turn on the wire.
type chunk struct {
	seq   uint64
	data  []byte
	close bool
}

// connAction is feed's verdict on what the read loop should do next.
type connAction int

const (
	connContinue connAction = iota
	connClosed
	connUpgraded
)

// Connection is one accepted socket. A read goroutine parses and
// dispatches requests; a writer goroutine puts responses on the wire in
// request order, whatever order the workers finish in.
type Connection struct {
	id  uint64
	raw net.Conn
	eng *Engine

	state      atomic.Int32
	lastActive atomic.Int64

	parser *http.Parser

	// window bounds requests in flight on this connection. A slot is
	// taken before dispatch and given back once the response is
	// written, so draining the whole window proves the wire is idle.
	window chan struct{}
	writeQ chan chunk

	quit       chan struct{}
	writerStop chan struct{}
	writerDone chan struct{}

	closeOnce sync.Once

	// Owned by the read goroutine.
	nextSeq        uint64
	drainRemaining int64
}

func newConnection(id uint64, raw net.Conn, eng *Engine) *Connection {
	c := &Connection{
		id:         id,
		raw:        raw,
		eng:        eng,
		parser:     http.NewParser(eng.limits),
		window:     make(chan struct{}, eng.cfg.PipelineDepth),
		writeQ:     make(chan chunk, eng.cfg.PipelineDepth),
		quit:       make(chan struct{}),
		writerStop: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the connection identifier.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// State reports the connection's lifecycle state.
func (c *Connection) State() connState { return connState(c.state.Load()) }

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) idleFor(now time.Time) time.Duration {
	return time.Duration(now.UnixNano() - c.lastActive.Load())
}

// serve is the read loop. It owns the socket until the connection dies
// or upgrades, in which case it becomes the session's read pump.
func (c *Connection) serve() {
	defer c.eng.registry.remove(c)
	defer c.shutdown()

	go c.writeLoop()

	buf := pools.GetBytes(readBufSize)
	defer pools.PutBytes(buf)
	buf = buf[:cap(buf)]

	for {
		if rt := c.eng.cfg.ReadTimeout; rt > 0 {
			c.raw.SetReadDeadline(time.Now().Add(rt))
		}
		n, err := c.raw.Read(buf)
		if n > 0 {
			c.touch()
			c.eng.met.AddBytesRead(n)
			switch c.feed(buf[:n]) {
			case connClosed:
				// Let queued responses reach the wire first.
				<-c.writerDone
				return
			case connUpgraded:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// feed runs the parser over one read's worth of bytes and dispatches
// every complete request it finds.
func (c *Connection) feed(data []byte) connAction {
	for {
		if c.drainRemaining > 0 {
			skip := int64(len(data))
			if skip > c.drainRemaining {
				skip = c.drainRemaining
			}
			c.drainRemaining -= skip
			data = data[skip:]
		}
		if len(data) == 0 {
			return connContinue
		}

		consumed, req, err := c.parser.Execute(data)
		data = data[consumed:]

		if err != nil {
			if act := c.protocolFailure(err); act != connContinue {
				return act
			}
			continue
		}
		if req == nil {
			return connContinue
		}

		// Capture before a worker can release the request.
		last := !req.KeepAlive()

		if req.IsUpgrade() {
			if route, params := c.eng.wsRoute(req); route != nil {
				return c.upgrade(req, route, params, data)
			}
		}

		if act := c.dispatch(req); act != connContinue {
			return act
		}
		if last {
			return connClosed
		}
	}
}

// protocolFailure answers a parse error. Oversized bodies below the
// drain cap keep the connection; everything else closes it once the
// error response is out.
func (c *Connection) protocolFailure(err error) connAction {
	var perr *http.ProtocolError
	if !errors.As(err, &perr) {
		perr = &http.ProtocolError{Status: 400, Reason: "malformed request", Drain: -1}
	}
	resp := http.ErrorResponse(perr.Status, perr.Reason)

	if perr.Recoverable() && perr.Drain <= maxDrainBytes {
		c.drainRemaining = perr.Drain
		c.parser.Reset()
		if !c.enqueue(resp, true, false) {
			return connClosed
		}
		return connContinue
	}

	c.enqueue(resp, false, false)
	return connClosed
}

// enqueue pushes a response synthesized on the read goroutine through
// the ordered writer. It reports false when the connection is gone.
func (c *Connection) enqueue(resp *http.Response, keepAlive, head bool) bool {
	select {
	case c.window <- struct{}{}:
	case <-c.quit:
		http.ReleaseResponse(resp)
		return false
	}
	seq := c.nextSeq
	c.nextSeq++
	c.complete(seq, resp, keepAlive, head)
	return true
}

// dispatch hands one request to the scheduler. Blocking on a full
// window or a full queue is the backpressure: the read loop stalls and
// TCP flow control pushes back on the client.
func (c *Connection) dispatch(req *http.Request) connAction {
	select {
	case c.window <- struct{}{}:
	case <-c.quit:
		http.ReleaseRequest(req)
		return connClosed
	}

	seq := c.nextSeq
	c.nextSeq++

	req.ConnID = c.id
	req.RemoteAddr = c.raw.RemoteAddr().String()
	keepAlive := req.KeepAlive()
	head := req.Method == "HEAD"

	// Both closures run on the same worker goroutine.
	completed := false
	item := scheduler.Item{
		Run: func() {
			resp := c.eng.handle(req)
			completed = true
			c.complete(seq, resp, keepAlive, head)
			http.ReleaseRequest(req)
		},
		OnPanic: func(v any, stack []byte) {
			if completed {
				return
			}
			c.eng.met.RecordPanic()
			c.eng.log.Error("request panicked outside the bridge",
				"conn_id", c.id,
				"panic", v,
			)
			c.complete(seq, http.ErrorResponse(500, "internal server error"), keepAlive, head)
			http.ReleaseRequest(req)
		},
	}
	if err := c.eng.sched.Submit(c.eng.baseCtx, item); err != nil {
		c.complete(seq, http.ErrorResponse(503, "server overloaded"), keepAlive, head)
		http.ReleaseRequest(req)
	}
	return connContinue
}

// complete encodes one finished response and hands it to the writer.
// Safe from worker goroutines and from the read goroutine.
func (c *Connection) complete(seq uint64, resp *http.Response, keepAlive, head bool) {
	shouldClose := resp.Close || !keepAlive || c.eng.draining.Load()
	data := http.EncodeResponse(resp, !shouldClose, head)
	http.ReleaseResponse(resp)

	select {
	case c.writeQ <- chunk{seq: seq, data: data, close: shouldClose}:
	case <-c.quit:
		pools.PutBytes(data)
	}
}

// writeLoop is the writer goroutine. It resequences out-of-order
// completions so responses leave in request order.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	pending := make(map[uint64]chunk)
	var next uint64

	for {
		select {
		case ch := <-c.writeQ:
			pending[ch.seq] = ch
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				err := c.writeChunk(ready.data)
				<-c.window
				if err != nil || ready.close {
					c.shutdown()
					c.drainPending(pending)
					return
				}
			}
		case <-c.writerStop:
			// Upgrade handoff. The upgrader holds every window slot, so
			// nothing is pending or queued.
			return
		case <-c.quit:
			c.drainPending(pending)
			return
		}
	}
}

func (c *Connection) writeChunk(data []byte) error {
	if wt := c.eng.cfg.WriteTimeout; wt > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(wt))
	}
	n, err := c.raw.Write(data)
	pools.PutBytes(data)
	if n > 0 {
		c.eng.met.AddBytesWritten(n)
		c.touch()
	}
	return err
}

func (c *Connection) drainPending(pending map[uint64]chunk) {
	for _, ch := range pending {
		pools.PutBytes(ch.data)
	}
	for {
		select {
		case ch := <-c.writeQ:
			pools.PutBytes(ch.data)
		default:
			return
		}
	}
}

// upgrade switches the socket to WebSocket framing. Every in-flight
// response is flushed, the writer is retired, the 101 goes out, and the
// read goroutine runs the session until it ends.
func (c *Connection) upgrade(req *http.Request, route *router.Route, params map[string]string, rest []byte) connAction {
	resp, err := websocket.Upgrade(req)
	if err != nil {
		// Broken handshake; answer it like any other request.
		keepAlive := req.KeepAlive()
		http.ReleaseRequest(req)
		if !c.enqueue(resp, keepAlive, false) {
			return connClosed
		}
		return connContinue
	}

	for i := 0; i < cap(c.window); i++ {
		select {
		case c.window <- struct{}{}:
		case <-c.quit:
			http.ReleaseResponse(resp)
			http.ReleaseRequest(req)
			return connClosed
		}
	}
	close(c.writerStop)
	<-c.writerDone

	data := http.EncodeResponse(resp, true, false)
	http.ReleaseResponse(resp)
	if wt := c.eng.cfg.WriteTimeout; wt > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(wt))
	}
	n, werr := c.raw.Write(data)
	pools.PutBytes(data)
	if werr != nil {
		http.ReleaseRequest(req)
		return connClosed
	}
	c.eng.met.AddBytesWritten(n)
	c.raw.SetWriteDeadline(time.Time{})
	c.raw.SetReadDeadline(time.Time{})
	c.state.Store(int32(stateUpgraded))

	// Bytes the client sent on the heels of the handshake belong to the
	// session. Copy them out of the pooled read buffer.
	var leftover []byte
	if len(rest) > 0 {
		leftover = append([]byte(nil), rest...)
	}

	path := req.Path
	http.ReleaseRequest(req)
	c.runSession(path, params, route, leftover)
	return connUpgraded
}

func (c *Connection) runSession(path string, params map[string]string, route *router.Route, leftover []byte) {
	wsconn := websocket.NewConn(c.raw, leftover, websocket.Options{
		MaxMessageSize: c.eng.cfg.WSMaxMessageSize,
		ReadTimeout:    c.eng.cfg.WSReadTimeout,
		WriteTimeout:   c.eng.cfg.WSWriteTimeout,
	})
	sess := websocket.NewSession(websocket.SessionConfig{
		ID:        c.id,
		Conn:      wsconn,
		Hub:       c.eng.hub,
		Logger:    c.eng.log,
		Metrics:   c.eng.met,
		Path:      path,
		Params:    params,
		Invoke:    c.eng.invoker(),
		SendQueue: c.eng.cfg.WSSendQueue,
	})
	sess.Run(c.eng.baseCtx, route.WS)
}

// shutdown closes the socket and wakes everything parked on quit. Safe
// from any goroutine, any number of times.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		close(c.quit)
		c.raw.Close()
		c.eng.met.ConnClosed()
	})
}
