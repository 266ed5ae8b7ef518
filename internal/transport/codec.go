// Package transport implements the framed wire protocol shared by every
// veil channel and a pooled connection layer for the proxy's server
// exchanges.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/veildb/veil/pkg/messages"
)

const (
	headerSize   = 8
	maxPayloadMB = 64
	maxPayload   = maxPayloadMB * 1024 * 1024
)

// Message is one framed unit on a veil channel. Wire format:
// [4B type big-endian uint32][4B payload length big-endian uint32][payload].
type Message struct {
	Type    messages.Type
	Payload []byte
}

// WriteMessage serializes a Message to a writer using length-prefixed
// framing.
func WriteMessage(w io.Writer, msg Message) error {
	if len(msg.Payload) > maxPayload {
		return fmt.Errorf("payload exceeds %dMB limit", maxPayloadMB)
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(msg.Type))
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(msg.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(msg.Payload) > 0 {
		if _, err := w.Write(msg.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage deserializes a Message from a reader.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("read header: %w", err)
	}
	msgType := messages.Type(binary.BigEndian.Uint32(hdr[:4]))
	payloadLen := binary.BigEndian.Uint32(hdr[4:])
	if payloadLen > maxPayload {
		return Message{}, fmt.Errorf("payload length %d exceeds %dMB limit", payloadLen, maxPayloadMB)
	}
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return Message{Type: msgType, Payload: payload}, nil
}
