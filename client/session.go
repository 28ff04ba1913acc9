// Package client keeps a local replica in sync with a collaboration server
// across reconnects, refreshing the access token before it expires and when
// the server rejects it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-server/core"
	"collab-server/crdt"
	"collab-server/protocol"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSynced
	StateReauthenticating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateReauthenticating:
		return "reauthenticating"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

var (
	ErrSessionExpired = errors.New("session expired")
	ErrForbidden      = errors.New("access to the document was denied")
	ErrRejected       = errors.New("server rejected the connection request")
	ErrClosed         = errors.New("session is closed")
	ErrReadOnly       = errors.New("document is read-only for this session")
	ErrUpdateTooLarge = errors.New("update exceeds the message size limit")
)

type Config struct {
	// Endpoint is the document's collaboration URL, e.g. ws://host/collab/{id}.
	Endpoint            string
	MaxBackoff          time.Duration
	InitialBackoff      time.Duration
	RefreshLead         time.Duration
	OutboundBufferLimit int
	WriteTimeout        time.Duration
	// SyncTimeout bounds the wait for the sync frame after the socket opens.
	SyncTimeout time.Duration
	// StableAfter is how long a synced connection must last before the
	// reconnect backoff starts over.
	StableAfter time.Duration
	// MaxMessageBytes matches the server's read limit. Larger updates are
	// refused by Submit.
	MaxMessageBytes int64

	Dialer        Dialer
	Logger        *logrus.Entry
	OnStateChange func(State)
	OnUpdate      func(update []byte)
}

func DefaultConfig() Config {
	return Config{
		MaxBackoff:          4 * time.Second,
		InitialBackoff:      100 * time.Millisecond,
		RefreshLead:         45 * time.Second,
		OutboundBufferLimit: 256,
		WriteTimeout:        10 * time.Second,
		SyncTimeout:         15 * time.Second,
		StableAfter:         2 * time.Second,
		MaxMessageBytes:     5000000,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.RefreshLead <= 0 {
		c.RefreshLead = def.RefreshLead
	}
	if c.OutboundBufferLimit <= 0 {
		c.OutboundBufferLimit = def.OutboundBufferLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = def.SyncTimeout
	}
	if c.StableAfter <= 0 {
		c.StableAfter = def.StableAfter
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{}
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Session is one client's connection to one document. A single goroutine
// makes every connect, refresh and backoff decision.
type Session struct {
	cfg   Config
	creds *Credentials
	log   *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once

	mu         sync.Mutex
	state      State
	replica    *crdt.Replica
	capability core.Capability
	out        chan []byte
	conn       Conn
	err        error
}

func NewSession(cfg Config, creds *Credentials) *Session {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		creds:   creds,
		log:     cfg.Logger.WithField("endpoint", cfg.Endpoint),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		replica: crdt.New(),
	}
}

// Start begins connecting in the background. Calling it again is a no-op.
func (s *Session) Start() {
	s.startOnce.Do(func() { go s.run() })
}

// Close stops the session and closes the socket with a normal closure.
func (s *Session) Close() error {
	s.cancel()
	s.startOnce.Do(func() {
		s.finish(nil)
		close(s.done)
	})
	<-s.done
	return nil
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err explains why the session closed. It is nil after Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capability is the access level reported by the last sync frame.
func (s *Session) Capability() core.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capability
}

// Snapshot encodes the local replica.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Encode()
}

func (s *Session) Credentials() *Credentials { return s.creds }

// Submit applies a local update and sends it when connected. Updates made
// while disconnected are sent after the next sync. An update whose frame is
// larger than MaxMessageBytes is refused and never enters the replica.
func (s *Session) Submit(update []byte) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateSynced && !s.capability.CanWrite() {
		s.mu.Unlock()
		return ErrReadOnly
	}
	if s.replica.Contains(update) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	frame, err := protocol.Encode(protocol.UpdateMessage(update))
	if err != nil {
		return err
	}
	if size := int64(len(frame)); size > s.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrUpdateTooLarge, size, s.cfg.MaxMessageBytes)
	}

	s.mu.Lock()
	added, err := s.replica.Apply(update)
	if err != nil || !added {
		s.mu.Unlock()
		return err
	}
	out, conn := s.out, s.conn
	s.mu.Unlock()

	if out == nil {
		return nil
	}
	select {
	case out <- frame:
	default:
		// The update stays in the replica and is resent after the resync.
		s.log.Warn("Outbound buffer full, reconnecting")
		conn.Close()
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   st.String(),
	}).Debug("Session state changed")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.out, s.conn = nil, nil
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Warn("Session closed")
	}
	s.setState(StateClosed)
}

// outcome describes how one connection attempt ended.
type outcome struct {
	class         protocol.CloseClass
	opened        bool
	synced        bool
	syncedAt      time.Time
	refreshFailed bool
	err           error
}

func (s *Session) run() {
	defer close(s.done)

	attempt := 0
	// refreshed is set by any refresh since the last sync. A second
	// credential rejection in that window means the session cannot recover.
	refreshed := false

	for {
		if s.ctx.Err() != nil {
			s.finish(nil)
			return
		}

		if s.creds.NeedsRefresh(time.Now(), s.cfg.RefreshLead) {
			s.log.Info("Access token expires soon, refreshing before connecting")
			if !s.reauthenticate() {
				return
			}
			refreshed = true
		}

		s.setState(StateConnecting)
		res := s.connect()
		if res.synced {
			refreshed = false
			// A server that syncs and then drops right away still backs off.
			if time.Since(res.syncedAt) >= s.cfg.StableAfter {
				attempt = 0
			}
		}
		if s.ctx.Err() != nil {
			s.finish(nil)
			return
		}

		log := s.log.WithField("close_class", res.class.String())
		if res.err != nil {
			log = log.WithError(res.err)
		}

		switch {
		case res.refreshFailed:
			s.finish(ErrSessionExpired)
			return
		case res.class == protocol.CloseDenied:
			s.finish(ErrForbidden)
			return
		case res.class == protocol.CloseRejected:
			s.finish(ErrRejected)
			return
		case res.class == protocol.CloseFinal:
			s.finish(nil)
			return
		case res.class == protocol.CloseAuth:
			if refreshed {
				log.Warn("Refreshed credentials were rejected")
				s.finish(ErrSessionExpired)
				return
			}
			log.Info("Credentials rejected, refreshing")
			if !s.reauthenticate() {
				return
			}
			refreshed = true
			continue
		case res.opened && !res.synced && !refreshed:
			// Proxies often turn an authentication rejection into a bare drop.
			log.Info("Connection dropped before sync, refreshing credentials")
			if !s.reauthenticate() {
				return
			}
			refreshed = true
			continue
		}

		delay := backoff(attempt, s.cfg.InitialBackoff, s.cfg.MaxBackoff)
		attempt++
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Info("Connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.finish(nil)
			return
		case <-timer.C:
		}
	}
}

// reauthenticate refreshes the token and reports whether the session can
// continue. On failure the session is already closed.
func (s *Session) reauthenticate() bool {
	s.setState(StateReauthenticating)
	if _, err := s.creds.Refresh(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			s.finish(nil)
			return false
		}
		s.log.WithError(err).Error("Token refresh failed")
		s.finish(ErrSessionExpired)
		return false
	}
	return true
}

// backoff returns min(initial * 2^attempt, limit).
func backoff(attempt int, initial, limit time.Duration) time.Duration {
	d := initial
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

func (s *Session) connect() outcome {
	conn, err := s.cfg.Dialer.Dial(s.ctx, s.cfg.Endpoint, s.creds.Token())
	if err != nil {
		switch {
		case isUnauthorizedHandshake(err):
			return outcome{class: protocol.CloseAuth, err: err}
		case isForbiddenHandshake(err):
			return outcome{class: protocol.CloseDenied, err: err}
		default:
			return outcome{class: protocol.CloseTransient, err: err}
		}
	}
	return s.serve(conn)
}

type inbound struct {
	messageType int
	data        []byte
	err         error
}

func (s *Session) serve(conn Conn) outcome {
	stop := make(chan struct{})
	frames := make(chan inbound)
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			select {
			case frames <- inbound{mt, data, err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	out := make(chan []byte, s.cfg.OutboundBufferLimit)
	writerDone := make(chan struct{})
	go s.writeLoop(conn, out, stop, writerDone)

	defer func() {
		s.mu.Lock()
		s.out, s.conn = nil, nil
		s.mu.Unlock()
		close(stop)
		conn.Close()
	}()

	syncTimer := time.NewTimer(s.cfg.SyncTimeout)
	defer syncTimer.Stop()
	syncDeadline := syncTimer.C

	var refreshTimer *time.Timer
	var refreshDue <-chan time.Time
	refreshResult := make(chan error, 1)
	defer func() {
		if refreshTimer != nil {
			refreshTimer.Stop()
		}
	}()
	scheduleRefresh := func() {
		exp, ok := s.creds.ExpiresAt()
		if !ok {
			return
		}
		wait := time.Until(exp) - s.cfg.RefreshLead
		if wait <= 0 {
			return
		}
		refreshTimer = time.NewTimer(wait)
		refreshDue = refreshTimer.C
	}

	res := outcome{opened: true}
	for {
		select {
		case <-s.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			res.class = protocol.CloseFinal
			return res

		case <-syncDeadline:
			res.class = protocol.CloseTransient
			res.err = errors.New("timed out waiting for sync")
			return res

		case <-refreshDue:
			refreshDue = nil
			go func() {
				_, err := s.creds.Refresh(s.ctx)
				refreshResult <- err
			}()

		case err := <-refreshResult:
			if err != nil {
				s.log.WithError(err).Error("Background token refresh failed")
				res.refreshFailed = true
				res.err = err
				return res
			}
			s.log.Debug("Access token refreshed in the background")
			scheduleRefresh()

		case ev := <-frames:
			if ev.err != nil {
				res.class, res.err = classify(ev.err), ev.err
				return res
			}
			if ev.messageType != websocket.BinaryMessage {
				continue
			}
			msg, err := protocol.Decode(ev.data)
			if err != nil {
				s.log.WithError(err).Warn("Ignoring malformed frame from server")
				continue
			}

			switch msg.Type {
			case protocol.TypeSync:
				if !s.onSync(conn, msg, out, writerDone) {
					res.class = protocol.CloseTransient
					return res
				}
				if !res.synced {
					res.synced = true
					res.syncedAt = time.Now()
					syncTimer.Stop()
					syncDeadline = nil
					scheduleRefresh()
				}
			case protocol.TypeUpdate:
				s.onRemoteUpdate(msg.Payload)
			case protocol.TypeError:
				s.log.WithFields(logrus.Fields{
					"code":    msg.Code,
					"message": msg.Text,
				}).Warn("Server reported an error")
			}
		}
	}
}

func classify(err error) protocol.CloseClass {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return protocol.ClassifyClose(ce.Code, ce.Text)
	}
	return protocol.CloseTransient
}

func (s *Session) writeLoop(conn Conn, out <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case frame := <-out:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.log.WithError(err).Debug("Write failed")
				conn.Close()
				return
			}
		}
	}
}

// onSync merges the server snapshot, delivers what was new locally and
// sends the server every local update it lacks. It reports false when the
// connection broke while sending.
func (s *Session) onSync(conn Conn, msg protocol.Message, out chan []byte, writerDone <-chan struct{}) bool {
	server, err := crdt.Decode(msg.Payload)
	if err != nil {
		s.log.WithError(err).Error("Server sent a corrupt snapshot")
		return false
	}

	s.mu.Lock()
	incoming := server.Missing(s.replica)
	pending := s.replica.Missing(server)
	s.replica.Merge(server)
	s.capability = core.Capability(msg.Capability)
	canWrite := s.capability.CanWrite()
	s.out, s.conn = out, conn
	s.mu.Unlock()

	s.setState(StateSynced)
	s.log.WithFields(logrus.Fields{
		"capability": msg.Capability,
		"received":   len(incoming),
		"pending":    len(pending),
	}).Info("Session synced")

	s.deliver(incoming)

	if !canWrite {
		if len(pending) > 0 {
			s.log.WithField("pending", len(pending)).Warn("Local updates cannot be sent with read-only access")
		}
		return true
	}
	for _, update := range pending {
		frame, err := protocol.Encode(protocol.UpdateMessage(update))
		if err != nil {
			return false
		}
		select {
		case out <- frame:
		case <-writerDone:
			return false
		case <-s.ctx.Done():
			return true
		}
	}
	return true
}

func (s *Session) onRemoteUpdate(update []byte) {
	s.mu.Lock()
	added, err := s.replica.Apply(update)
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Warn("Ignoring invalid update from server")
		return
	}
	if added {
		s.deliver([][]byte{update})
	}
}

func (s *Session) deliver(updates [][]byte) {
	if s.cfg.OnUpdate == nil {
		return
	}
	for _, u := range updates {
		s.cfg.OnUpdate(u)
	}
}
