// Package clipboard mediates OS clipboard access for the UI surface.
package clipboard

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"strings"

	_ "golang.org/x/image/webp"

	"drawhost/internal/security"
)

// Methods reachable through the clipboard action.
const (
	MethodReadText   = "readText"
	MethodWriteText  = "writeText"
	MethodWriteImage = "writeImage"
)

// Clipboard errors
var (
	ErrUnknownMethod = errors.New("clipboard: unknown method")
	ErrBadImage      = errors.New("clipboard: unsupported image data")
)

// Accessor is the platform clipboard.
type Accessor interface {
	ReadText() (string, error)
	WriteText(text string) error
	WriteImage(pngData []byte) error
}

// Bridge validates clipboard requests before handing them to an Accessor.
type Bridge struct {
	acc       Accessor
	validator *security.Validator
	logger    *slog.Logger
}

// NewBridge creates a clipboard bridge. A nil accessor uses the system
// clipboard.
func NewBridge(acc Accessor, v *security.Validator, logger *slog.Logger) *Bridge {
	if acc == nil {
		acc = System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{acc: acc, validator: v, logger: logger.With("component", "clipboard")}
}

// ReadText returns the clipboard text.
func (b *Bridge) ReadText() (string, error) {
	return b.acc.ReadText()
}

// WriteText places text on the clipboard.
func (b *Bridge) WriteText(text string) error {
	if !b.validator.ValidateContent([]byte(text), 0) {
		return fmt.Errorf("clipboard: text exceeds size limit")
	}
	return b.acc.WriteText(text)
}

// WriteImage places the image carried by a data URL on the clipboard as
// PNG. PNG, JPEG and WebP sources are accepted.
func (b *Bridge) WriteImage(dataURL string) error {
	raw, err := decodeDataURL(dataURL)
	if err != nil {
		return err
	}
	if !b.validator.ValidateContent(raw, 0) {
		return fmt.Errorf("clipboard: image exceeds size limit")
	}

	switch security.DetectFormat(raw, "") {
	case security.FormatPNG:
		return b.acc.WriteImage(raw)
	case security.FormatJPEG, security.FormatWebP:
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return err
		}
		return b.acc.WriteImage(buf.Bytes())
	default:
		return ErrBadImage
	}
}

// Do dispatches a clipboard method by name.
func (b *Bridge) Do(method, data string) (any, error) {
	switch method {
	case MethodReadText:
		return b.ReadText()
	case MethodWriteText:
		return nil, b.WriteText(data)
	case MethodWriteImage:
		return nil, b.WriteImage(data)
	default:
		b.logger.Warn("unknown clipboard method", "method", method)
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
}

// decodeDataURL extracts the bytes of a base64 data URL.
func decodeDataURL(u string) ([]byte, error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return nil, ErrBadImage
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") || !strings.HasPrefix(meta, "image/") {
		return nil, ErrBadImage
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return raw, nil
}
