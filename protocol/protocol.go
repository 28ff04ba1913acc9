package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Message types
const (
	TypeSync   = "sync"
	TypeUpdate = "update"
	TypeError  = "error"
)

// Error codes carried by TypeError messages
const (
	CodeReadOnly = "read_only"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is the envelope of every binary frame exchanged on a collaboration
// connection.
type Message struct {
	Type       string `msgpack:"t"`
	Payload    []byte `msgpack:"p,omitempty"`
	Capability string `msgpack:"c,omitempty"`
	Code       string `msgpack:"e,omitempty"`
	Text       string `msgpack:"m,omitempty"`
}

func SyncMessage(snapshot []byte, capability string) Message {
	return Message{Type: TypeSync, Payload: snapshot, Capability: capability}
}

func UpdateMessage(update []byte) Message {
	return Message{Type: TypeUpdate, Payload: update}
}

func ErrorMessage(code, text string) Message {
	return Message{Type: TypeError, Code: code, Text: text}
}

func Encode(m Message) ([]byte, error) {
	data, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a frame and checks that it is a well-formed message.
func Decode(frame []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch m.Type {
	case TypeUpdate:
		if len(m.Payload) == 0 {
			return Message{}, fmt.Errorf("%w: update without payload", ErrInvalidMessage)
		}
	case TypeSync, TypeError:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return m, nil
}
