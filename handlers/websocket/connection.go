package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"collab-server/access"
	"collab-server/core"
	"collab-server/protocol"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

type phase int32

const (
	phaseConnecting phase = iota
	phaseAuthenticating
	phaseAdmitted
	phaseRelaying
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseAuthenticating:
		return "authenticating"
	case phaseAdmitted:
		return "admitted"
	case phaseRelaying:
		return "relaying"
	case phaseClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// connection is one upgraded socket. Frames for the peer go through a
// bounded queue drained by writeLoop; a full queue closes the connection.
type connection struct {
	id  string
	ws  *websocket.Conn
	cfg Config

	principal access.Principal

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	code      atomic.Int32
	readErr   atomic.Bool
	phase     atomic.Int32
}

func newConnection(ws *websocket.Conn, cfg Config) *connection {
	c := &connection{
		id:   ulid.Make().String(),
		ws:   ws,
		cfg:  cfg,
		send: make(chan []byte, cfg.OutboundBufferLimit),
		done: make(chan struct{}),
	}
	ws.SetReadLimit(cfg.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		if c.code.Load() != 0 {
			return nil
		}
		return ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})
	return c
}

func (c *connection) setPhase(p phase) { c.phase.Store(int32(p)) }

func (c *connection) closeCode() int { return int(c.code.Load()) }

func (c *connection) admit(p access.Principal) { c.principal = p }

func (c *connection) ID() string { return c.id }

func (c *connection) Capability() core.Capability { return c.principal.Capability }

// Send queues frame without blocking. Frames for a closing connection are
// discarded.
func (c *connection) Send(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *connection) Overflow() {
	c.closeWith(protocol.CloseSlowConsumer, protocol.ReasonSlowConsumer)
}

func (c *connection) read() (int, []byte, error) {
	if c.code.Load() == 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
	messageType, frame, err := c.ws.ReadMessage()
	if err != nil {
		c.readErr.Store(true)
	}
	return messageType, frame, err
}

// closeWith starts the closing handshake. Only the first call has an effect.
func (c *connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.code.Store(int32(code))
		close(c.done)
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		// WriteControl may run concurrently with the writer goroutine.
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.CloseGrace))
	})
}

// markClosed records a close started by the peer or the network.
func (c *connection) markClosed(code int) {
	c.closeOnce.Do(func() {
		c.code.Store(int32(code))
		close(c.done)
	})
}

// finish waits briefly for the peer's close frame and releases the socket.
func (c *connection) finish() {
	if c.code.Load() == 0 {
		c.closeWith(protocol.CloseNormal, "")
	}
	for !c.readErr.Load() {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
	c.ws.Close()
}

func (c *connection) writeLoop() {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// a write deadline cannot be recovered from
				c.abort()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.abort()
				return
			}
		}
	}
}

func (c *connection) abort() {
	c.markClosed(websocket.CloseAbnormalClosure)
	c.ws.Close()
}
