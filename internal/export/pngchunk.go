package export

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"net/url"
	"strings"
)

// PNG container errors
var (
	ErrNotPNG        = errors.New("export: not a PNG stream")
	ErrTruncatedPNG  = errors.New("export: truncated PNG chunk")
	ErrChunkChecksum = errors.New("export: PNG chunk checksum mismatch")
	ErrNoPixelData   = errors.New("export: PNG has no IDAT chunk")
)

// DiagramKeyword is the tEXt keyword carrying the embedded diagram source.
const DiagramKeyword = "mxfile"

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Chunk is one PNG chunk. Length and CRC are derived on write.
type Chunk struct {
	Type string
	Data []byte
}

// crc computes the chunk checksum over type and data.
func (c Chunk) crc() uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(c.Type))
	h.Write(c.Data)
	return h.Sum32()
}

// ReadChunks splits a PNG stream into its chunks, verifying each checksum.
func ReadChunks(data []byte) ([]Chunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, ErrNotPNG
	}
	var chunks []Chunk
	rest := data[len(pngSignature):]
	for len(rest) > 0 {
		if len(rest) < 12 {
			return nil, ErrTruncatedPNG
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint64(n)+12 > uint64(len(rest)) {
			return nil, ErrTruncatedPNG
		}
		c := Chunk{Type: string(rest[4:8]), Data: rest[8 : 8+n]}
		if binary.BigEndian.Uint32(rest[8+n:12+n]) != c.crc() {
			return nil, fmt.Errorf("%w: %s", ErrChunkChecksum, c.Type)
		}
		chunks = append(chunks, c)
		rest = rest[12+n:]
		if c.Type == "IEND" {
			break
		}
	}
	return chunks, nil
}

// WriteChunks serializes chunks behind the PNG signature.
func WriteChunks(chunks []Chunk) []byte {
	size := len(pngSignature)
	for _, c := range chunks {
		size += 12 + len(c.Data)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, pngSignature...)
	for _, c := range chunks {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Data)))
		buf = append(buf, c.Type...)
		buf = append(buf, c.Data...)
		buf = binary.BigEndian.AppendUint32(buf, c.crc())
	}
	return buf
}

// InsertBeforeIDAT splices extra chunks immediately before the first
// pixel-data chunk.
func InsertBeforeIDAT(data []byte, extra ...Chunk) ([]byte, error) {
	chunks, err := ReadChunks(data)
	if err != nil {
		return nil, err
	}
	for i, c := range chunks {
		if c.Type != "IDAT" {
			continue
		}
		out := make([]Chunk, 0, len(chunks)+len(extra))
		out = append(out, chunks[:i]...)
		out = append(out, extra...)
		out = append(out, chunks[i:]...)
		return WriteChunks(out), nil
	}
	return nil, ErrNoPixelData
}

// TextChunk builds a tEXt chunk: keyword, NUL, text.
func TextChunk(keyword, text string) Chunk {
	data := make([]byte, 0, len(keyword)+1+len(text))
	data = append(data, keyword...)
	data = append(data, 0)
	data = append(data, text...)
	return Chunk{Type: "tEXt", Data: data}
}

// PhysChunk builds a pHYs chunk declaring dpi in pixels per metre.
func PhysChunk(dpi int) Chunk {
	ppm := uint32(math.Round(float64(dpi) / 0.0254))
	data := make([]byte, 9)
	binary.BigEndian.PutUint32(data[0:4], ppm)
	binary.BigEndian.PutUint32(data[4:8], ppm)
	data[8] = 1
	return Chunk{Type: "pHYs", Data: data}
}

// TextValue returns the text of the first tEXt chunk with keyword.
func TextValue(data []byte, keyword string) (string, bool, error) {
	chunks, err := ReadChunks(data)
	if err != nil {
		return "", false, err
	}
	prefix := keyword + "\x00"
	for _, c := range chunks {
		if c.Type == "tEXt" && strings.HasPrefix(string(c.Data), prefix) {
			return string(c.Data[len(prefix):]), true, nil
		}
	}
	return "", false, nil
}

// EmbeddedDiagram extracts the diagram source stored by an export.
func EmbeddedDiagram(data []byte) (string, bool, error) {
	text, ok, err := TextValue(data, DiagramKeyword)
	if err != nil || !ok {
		return "", ok, err
	}
	xml, err := url.PathUnescape(text)
	if err != nil {
		return "", false, fmt.Errorf("decode embedded diagram: %w", err)
	}
	return xml, true, nil
}

// encodeURIComponent escapes s the way browsers do for URI components.
// tEXt payloads are Latin-1, so the diagram is stored escaped.
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedURIByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreservedURIByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
