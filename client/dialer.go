package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// HandshakeError is returned when the server answers the upgrade request
// with a plain HTTP status.
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake rejected with status %d", e.StatusCode)
}

// WebsocketDialer dials with gorilla/websocket, passing the access token in
// the token query parameter.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode}
		}
		return nil, err
	}
	return conn, nil
}

func isHandshakeStatus(err error, status int) bool {
	var he *HandshakeError
	return errors.As(err, &he) && he.StatusCode == status
}

func isUnauthorizedHandshake(err error) bool {
	return isHandshakeStatus(err, http.StatusUnauthorized)
}

func isForbiddenHandshake(err error) bool {
	return isHandshakeStatus(err, http.StatusForbidden)
}
