package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"collab-server/access"
	"collab-server/core"
	"collab-server/protocol"
	"collab-server/rooms"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Config struct {
	AuthTimeout         time.Duration
	OutboundBufferLimit int
	MaxMessageBytes     int64
	IdleTimeout         time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	// CloseGrace bounds how long a closing connection waits for the peer's
	// close frame before the socket is dropped.
	CloseGrace     time.Duration
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		AuthTimeout:         5 * time.Second,
		OutboundBufferLimit: 256,
		MaxMessageBytes:     5000000,
		IdleTimeout:         60 * time.Second,
		PingInterval:        25 * time.Second,
		WriteTimeout:        10 * time.Second,
		CloseGrace:          time.Second,
	}
}

// Admitter authenticates a token and authorizes it for a document.
type Admitter interface {
	Admit(ctx context.Context, token, documentID string) (access.Principal, error)
}

// Gateway terminates collaboration connections: it admits each one, joins
// it to its document's room and relays update frames in both directions.
type Gateway struct {
	admitter Admitter
	registry *rooms.Registry
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewGateway(admitter Admitter, registry *rooms.Registry, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.OutboundBufferLimit <= 0 {
		cfg.OutboundBufferLimit = def.OutboundBufferLimit
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout * 2 / 5
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = def.CloseGrace
	}

	return &Gateway{
		admitter: admitter,
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		conns: make(map[*connection]struct{}),
	}
}

// HandleCollab serves GET /collab/{documentID}?token=...
func (g *Gateway) HandleCollab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "documentID")
		token := r.URL.Query().Get("token")

		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			logrus.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("WebSocket upgrade failed")
			return
		}

		c := newConnection(ws, g.cfg)
		if !g.track(c) {
			c.closeWith(protocol.CloseGoingAway, protocol.ReasonShuttingDown)
			c.finish()
			return
		}
		defer g.untrack(c)

		g.serve(r.Context(), c, documentID, token)
	}
}

func (g *Gateway) serve(ctx context.Context, c *connection, documentID, token string) {
	log := logrus.WithFields(logrus.Fields{
		"connection_id": c.id,
		"document_id":   documentID,
	})
	defer func() {
		last := phase(c.phase.Load())
		c.finish()
		c.setPhase(phaseClosed)
		log.WithFields(logrus.Fields{
			"close_code": c.closeCode(),
			"phase":      last.String(),
		}).Info("Connection closed")
	}()

	if documentID == "" {
		c.closeWith(protocol.CloseMalformedRequest, protocol.ReasonMissingDocument)
		return
	}
	if token == "" {
		c.closeWith(protocol.CloseMalformedRequest, protocol.ReasonMissingToken)
		return
	}

	c.setPhase(phaseAuthenticating)
	principal, err := g.admit(ctx, token, documentID)
	if err != nil {
		code, reason := closeFor(err)
		log.WithError(err).WithField("close_code", code).Warn("Connection rejected")
		c.closeWith(code, reason)
		return
	}
	log = log.WithField("principal_id", principal.ID)
	c.admit(principal)
	c.setPhase(phaseAdmitted)

	go c.writeLoop()

	handle, err := g.registry.Join(ctx, documentID, c)
	if err != nil {
		log.WithError(err).Error("Failed to join room")
		if errors.Is(err, rooms.ErrDraining) {
			c.closeWith(protocol.CloseGoingAway, protocol.ReasonShuttingDown)
		} else {
			c.closeWith(protocol.CloseInternalError, protocol.ReasonInternal)
		}
		return
	}
	defer handle.Leave(context.WithoutCancel(ctx))

	c.setPhase(phaseRelaying)
	log.WithField("capability", principal.Capability).Info("Connection admitted")
	g.relay(c, handle, log)
}

// admit runs the access check under the authentication deadline. The check
// runs in its own goroutine so a verifier that ignores ctx still cannot hold
// the connection past the deadline.
func (g *Gateway) admit(ctx context.Context, token, documentID string) (access.Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.AuthTimeout)
	defer cancel()

	type result struct {
		principal access.Principal
		err       error
	}
	done := make(chan result, 1)
	go func() {
		p, err := g.admitter.Admit(ctx, token, documentID)
		done <- result{p, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, core.ErrUnauthenticated) && !errors.Is(res.err, core.ErrForbidden) {
			return access.Principal{}, errAuthTimeout
		}
		return res.principal, res.err
	case <-ctx.Done():
		return access.Principal{}, errAuthTimeout
	}
}

var errAuthTimeout = errors.New("authentication timed out")

func closeFor(err error) (int, string) {
	switch {
	case errors.Is(err, errAuthTimeout):
		return protocol.CloseAuthTimeout, protocol.ReasonAuthTimeout
	case errors.Is(err, core.ErrUnauthenticated):
		return protocol.CloseUnauthenticated, protocol.ReasonUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return protocol.CloseForbidden, protocol.ReasonForbidden
	case errors.Is(err, core.ErrMalformedRequest):
		return protocol.CloseMalformedRequest, protocol.ReasonMalformedFrame
	default:
		return protocol.CloseInternalError, protocol.ReasonInternal
	}
}

func (g *Gateway) relay(c *connection, handle *rooms.Handle, log *logrus.Entry) {
	for {
		messageType, frame, err := c.read()
		if err != nil {
			if c.closeCode() == 0 {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithError(err).Info("Connection dropped")
				}
				c.markClosed(closeCodeOf(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			c.closeWith(protocol.CloseMalformedRequest, protocol.ReasonMalformedFrame)
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil || msg.Type != protocol.TypeUpdate {
			log.WithError(err).Warn("Malformed frame")
			c.closeWith(protocol.CloseMalformedRequest, protocol.ReasonMalformedFrame)
			return
		}

		if !c.principal.Capability.CanWrite() {
			reply, err := protocol.Encode(protocol.ErrorMessage(protocol.CodeReadOnly, "viewers cannot edit this document"))
			if err == nil && !c.Send(reply) {
				c.Overflow()
				return
			}
			continue
		}

		if _, err := handle.Apply(msg.Payload); err != nil {
			if errors.Is(err, rooms.ErrRoomClosed) {
				c.closeWith(protocol.CloseGoingAway, protocol.ReasonShuttingDown)
				return
			}
			log.WithError(err).Warn("Rejected update")
			c.closeWith(protocol.CloseMalformedRequest, protocol.ReasonMalformedFrame)
			return
		}
	}
}

func closeCodeOf(err error) int {
	if errors.Is(err, websocket.ErrReadLimit) {
		return websocket.CloseMessageTooBig
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (g *Gateway) track(c *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *connection) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	g.wg.Done()
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every connection with 1001 and waits until each one has
// left its room, or until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	open := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	logrus.WithField("connections", len(open)).Info("Closing collaboration connections")
	for _, c := range open {
		c.closeWith(protocol.CloseGoingAway, protocol.ReasonShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// originChecker allows requests without an Origin header, any origin when
// the list contains "*", and otherwise exact scheme://host[:port] matches.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
		}
		if o != "" {
			set[strings.ToLower(o)] = true
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if len(set) == 0 {
			return strings.EqualFold(u.Host, r.Host)
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
