package export

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2))))
	return buf.Bytes()
}

func TestChunksRoundTrip(t *testing.T) {
	data := encodedPNG(t)
	chunks, err := ReadChunks(data)
	require.NoError(t, err)
	assert.Equal(t, "IHDR", chunks[0].Type)
	assert.Equal(t, "IEND", chunks[len(chunks)-1].Type)
	assert.Equal(t, data, WriteChunks(chunks))
}

func TestInsertBeforeIDAT(t *testing.T) {
	out, err := InsertBeforeIDAT(encodedPNG(t), TextChunk("k", "v"))
	require.NoError(t, err)

	chunks, err := ReadChunks(out)
	require.NoError(t, err)
	for i, c := range chunks {
		if c.Type == "IDAT" {
			assert.Equal(t, "tEXt", chunks[i-1].Type)
			break
		}
	}
	text, ok, err := TextValue(out, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", text)

	_, ok, err = TextValue(out, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadChunksErrors(t *testing.T) {
	data := encodedPNG(t)

	_, err := ReadChunks([]byte("GIF89a"))
	assert.ErrorIs(t, err, ErrNotPNG)

	_, err = ReadChunks(data[:len(pngSignature)+6])
	assert.ErrorIs(t, err, ErrTruncatedPNG)

	corrupt := bytes.Clone(data)
	corrupt[len(pngSignature)+8] ^= 0xff // first IHDR data byte
	_, err = ReadChunks(corrupt)
	assert.ErrorIs(t, err, ErrChunkChecksum)

	header := WriteChunks([]Chunk{{Type: "IHDR", Data: []byte{1}}, {Type: "IEND"}})
	_, err = InsertBeforeIDAT(header, TextChunk("k", "v"))
	assert.ErrorIs(t, err, ErrNoPixelData)
}

func TestEncodeURIComponent(t *testing.T) {
	tests := map[string]string{
		"plain":       "plain",
		"a b":         "a%20b",
		"<mxfile/>":   "%3Cmxfile%2F%3E",
		"é":           "%C3%A9",
		"-_.!~*'()":   "-_.!~*'()",
		"a=1&b=2+3;#": "a%3D1%26b%3D2%2B3%3B%23",
	}
	for in, want := range tests {
		assert.Equal(t, want, encodeURIComponent(in), in)
	}
}

func TestTargetSize(t *testing.T) {
	tests := []struct {
		w, h, reqW, reqH int
		wantW, wantH     int
	}{
		{400, 300, 200, 0, 200, 150},
		{400, 300, 0, 150, 200, 150},
		{400, 300, 200, 50, 67, 50},
		{400, 300, 0, 0, 400, 300},
		{400, 300, 800, 0, 800, 600},
		{1000, 1, 10, 0, 10, 1},
	}
	for _, tt := range tests {
		w, h := targetSize(tt.w, tt.h, tt.reqW, tt.reqH)
		assert.Equal(t, tt.wantW, w)
		assert.Equal(t, tt.wantH, h)
	}
}

func TestCropTo(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 11, 9))
	assert.Equal(t, image.Rect(0, 0, 10, 8), cropTo(img, 10, 8).Bounds())
	assert.Equal(t, image.Rect(0, 0, 11, 9), cropTo(img, 50, 50).Bounds())
}
