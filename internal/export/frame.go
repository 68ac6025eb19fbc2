package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Renderer frame limits. A frame is a 4-byte big-endian payload length
// followed by a msgpack payload.
const (
	LengthPrefixSize = 4
	MaxFrameSize     = 64 * 1024 * 1024
	MaxPayloadSize   = MaxFrameSize - LengthPrefixSize
)

// Renderer operations.
const (
	opLoad    = "load"
	opRender  = "render"
	opResize  = "resize"
	opCapture = "capture"
	opPrint   = "print"
	opSVG     = "svg"
	opXML     = "xml"
	opClose   = "close"
)

// FrameErrorKind classifies renderer frame failures.
type FrameErrorKind int

const (
	FrameErrorPartial FrameErrorKind = iota
	FrameErrorTooLarge
	FrameErrorDecode
)

// FrameError reports a broken renderer stream.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the stream can no longer be trusted.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// rendererRequest is one command sent to the renderer helper.
type rendererRequest struct {
	ID     uint64         `msgpack:"id"`
	Op     string         `msgpack:"op"`
	XML    string         `msgpack:"xml,omitempty"`
	Render *RenderRequest `msgpack:"render,omitempty"`
	Width  int            `msgpack:"width,omitempty"`
	Height int            `msgpack:"height,omitempty"`
	Print  *PrintOptions  `msgpack:"print,omitempty"`
}

// rendererResponse answers the request with the same ID.
type rendererResponse struct {
	ID     uint64        `msgpack:"id"`
	OK     bool          `msgpack:"ok"`
	Error  string        `msgpack:"error,omitempty"`
	Render *RenderResult `msgpack:"render,omitempty"`
	Data   []byte        `msgpack:"data,omitempty"`
	Text   string        `msgpack:"text,omitempty"`
}

// writeFrame encodes v and writes it with its length prefix.
func writeFrame(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	_, err = w.Write(buf)
	return err
}

// readFrame reads one frame and decodes it into v. A clean end of stream
// before the prefix returns io.EOF.
func readFrame(r io.Reader, v any) error {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode payload", Err: err}
	}
	return nil
}
