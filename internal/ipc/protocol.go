// Package ipc carries the bridge between the untrusted UI surface and the
// privileged host.
//
// The socket protocol is a 16-byte header followed by a payload encoded as
// JSON or MessagePack (selected per message by a header flag). Requests and
// responses are correlated by the header request id; pushes travel as
// events on the same connection.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"drawhost/internal/window"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x44525748 // "DRWH"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 128 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Bridge traffic (0x01xx)
	MsgRequest  MessageType = 0x0100
	MsgResponse MessageType = 0x0101
	MsgSignal   MessageType = 0x0102
	MsgEvent    MessageType = 0x0103
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04 // JSON payload instead of MessagePack
)

// Framing errors
var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrVersion         = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message of the given type. The payload must already
// be encoded with the codec named by flags.
func NewMessage(msgType MessageType, requestID uint32, flags uint8, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     flags,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and checks a header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// Write writes the message to w in one call so concurrent writers
// serialized by a mutex never interleave partial frames.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.Magic)
	buf = append(buf, m.Header.Version, m.Header.Flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Header.Type))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.RequestID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handshake is the first message of a socket connection. It names the
// frame the peer serves and the window it belongs to.
type Handshake struct {
	ClientName string        `json:"clientName" msgpack:"clientName"`
	FrameURL   string        `json:"frameUrl" msgpack:"frameUrl"`
	WindowID   string        `json:"windowId" msgpack:"windowId"`
	Displays   []window.Rect `json:"displays,omitempty" msgpack:"displays,omitempty"`
}

// HandshakeAck answers a handshake with the peer id and the geometry the
// window should open with.
type HandshakeAck struct {
	PeerID          string          `json:"peerId" msgpack:"peerId"`
	ProtocolVersion uint8           `json:"protocolVersion" msgpack:"protocolVersion"`
	Geometry        window.Geometry `json:"geometry" msgpack:"geometry"`
}

// ErrorPayload reports a protocol-level failure.
type ErrorPayload struct {
	Message string `json:"message" msgpack:"message"`
}

// Event is a push from host to peer.
type Event struct {
	Name    string `json:"event" msgpack:"event"`
	Payload any    `json:"payload,omitempty" msgpack:"payload,omitempty"`
}
