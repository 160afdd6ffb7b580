// Package ipc implements the control protocol used to query and command a
// running orchestrator from other processes.
//
// Each orchestrator listens on its own unix socket. A connection carries
// exactly one request and one response, each framed as a 4-byte big-endian
// length followed by that many bytes of UTF-8 JSON.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/planloop/internal/errors"
)

// DefaultMaxMessageBytes caps a single frame body.
const DefaultMaxMessageBytes = 1 << 20

const headerSize = 4

// MessageType distinguishes requests, responses and notifications.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
)

// Control commands understood by an orchestrator.
const (
	CommandStatus    = "status"
	CommandShutdown  = "shutdown"
	CommandPause     = "pause"
	CommandResume    = "resume"
	CommandHeartbeat = "heartbeat"
)

// Message is one protocol frame.
type Message struct {
	Type      MessageType    `json:"type"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(t MessageType, command string, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{Type: t, Command: command, Payload: payload, Timestamp: time.Now().UTC()}
}

// SocketPath returns the socket path of the orchestrator with the given id.
func SocketPath(dir, instanceID string) string {
	return filepath.Join(dir, fmt.Sprintf("orchestrator-%s.sock", instanceID))
}

// WriteMessage encodes msg as a single frame. Bodies larger than maxBytes
// are rejected with ErrMessageTooLarge before anything is written.
func WriteMessage(w io.Writer, msg Message, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.NewIPCError("encode message", errors.Join(errors.ErrMalformedMessage, err)).WithCommand(msg.Command)
	}
	if len(body) > maxBytes {
		return errors.NewIPCError(fmt.Sprintf("outgoing frame is %d bytes, limit %d", len(body), maxBytes), errors.ErrMessageTooLarge).
			WithCommand(msg.Command)
	}

	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)

	if _, err := w.Write(frame); err != nil {
		return errors.NewIPCError("write frame", errors.Join(errors.ErrConnectionClosed, err)).WithCommand(msg.Command)
	}
	return nil
}

// ReadMessage decodes one frame. A stream that ends mid-frame yields
// ErrConnectionClosed, an oversized length prefix ErrMessageTooLarge, and
// undecodable JSON ErrMalformedMessage.
func ReadMessage(r io.Reader, maxBytes int) (Message, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, readError("read header", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(maxBytes) {
		return Message{}, errors.NewIPCError(fmt.Sprintf("incoming frame is %d bytes, limit %d", n, maxBytes), errors.ErrMessageTooLarge)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, readError("read body", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, errors.NewIPCError("decode message", errors.Join(errors.ErrMalformedMessage, err))
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	return msg, nil
}

func readError(op string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.NewIPCError(op, errors.ErrConnectionClosed)
	}
	if isTimeout(err) {
		return errors.NewIPCError(op, errors.Join(errors.ErrTimeout, err))
	}
	return errors.NewIPCError(op, errors.Join(errors.ErrConnectionClosed, err))
}

// Ack reports the boolean "ack" field of a response payload.
func Ack(payload map[string]any) bool {
	ack, _ := payload["ack"].(bool)
	return ack
}

// ErrorPayload is the response body sent when a handler fails.
func ErrorPayload(err error) map[string]any {
	return map[string]any{"error": err.Error(), "ack": false}
}

// ResponseError returns the handler error carried by a response payload,
// or "" if there is none.
func ResponseError(payload map[string]any) string {
	msg, _ := payload["error"].(string)
	return msg
}
