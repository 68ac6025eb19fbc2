package export

import (
	"fmt"
	"strings"
)

// Output formats.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatPDF  = "pdf"
	FormatSVG  = "svg"
	FormatXML  = "xml"
)

// DefaultJPEGQuality is used when the caller leaves quality unset.
const DefaultJPEGQuality = 90

// Args is the full export argument set sent with the export signal.
type Args struct {
	Format string `json:"format" msgpack:"format"`
	XML    string `json:"xml" msgpack:"xml"`

	// W and H scale a bitmap export to a target width and/or height.
	W int `json:"w,omitempty" msgpack:"w,omitempty"`
	H int `json:"h,omitempty" msgpack:"h,omitempty"`

	// From and To select a 0-based page range. AllPages overrides it.
	From     int    `json:"from,omitempty" msgpack:"from,omitempty"`
	To       int    `json:"to,omitempty" msgpack:"to,omitempty"`
	AllPages bool   `json:"allPages,omitempty" msgpack:"allPages,omitempty"`
	PageID   string `json:"pageId,omitempty" msgpack:"pageId,omitempty"`

	Scale       float64 `json:"scale,omitempty" msgpack:"scale,omitempty"`
	Border      int     `json:"border,omitempty" msgpack:"border,omitempty"`
	Background  string  `json:"bg,omitempty" msgpack:"bg,omitempty"`
	Transparent bool    `json:"transparent,omitempty" msgpack:"transparent,omitempty"`
	Crop        bool    `json:"crop,omitempty" msgpack:"crop,omitempty"`

	// EmbedXML stores the diagram source in the output: a PNG text chunk
	// or a PDF file attachment.
	EmbedXML bool `json:"embedXml,omitempty" msgpack:"embedXml,omitempty"`

	JPEGQuality int `json:"jpegQuality,omitempty" msgpack:"jpegQuality,omitempty"`
	DPI         int `json:"dpi,omitempty" msgpack:"dpi,omitempty"`

	// Print selects native print-to-PDF with the given page geometry.
	Print      bool    `json:"print,omitempty" msgpack:"print,omitempty"`
	PageWidth  float64 `json:"pageWidth,omitempty" msgpack:"pageWidth,omitempty"`
	PageHeight float64 `json:"pageHeight,omitempty" msgpack:"pageHeight,omitempty"`

	Base64     bool   `json:"base64,omitempty" msgpack:"base64,omitempty"`
	Filename   string `json:"filename,omitempty" msgpack:"filename,omitempty"`
	Theme      string `json:"theme,omitempty" msgpack:"theme,omitempty"`
	LinkTarget string `json:"linkTarget,omitempty" msgpack:"linkTarget,omitempty"`
}

// Normalize fills defaults and canonicalizes the format name.
func (a *Args) Normalize() {
	a.Format = strings.ToLower(strings.TrimSpace(a.Format))
	if a.Format == "jpg" {
		a.Format = FormatJPEG
	}
	if a.Scale <= 0 {
		a.Scale = 1
	}
	if a.JPEGQuality <= 0 {
		a.JPEGQuality = DefaultJPEGQuality
	}
	if !a.AllPages && a.To < a.From {
		a.To = a.From
	}
}

// Validate checks a normalized argument set.
func (a *Args) Validate() error {
	switch a.Format {
	case FormatPNG, FormatJPEG, FormatPDF, FormatSVG, FormatXML:
	default:
		return fmt.Errorf("unsupported format %q", a.Format)
	}
	if strings.TrimSpace(a.XML) == "" {
		return fmt.Errorf("missing diagram source")
	}
	if a.W < 0 || a.H < 0 || a.From < 0 || a.Border < 0 || a.DPI < 0 {
		return fmt.Errorf("negative dimension")
	}
	if a.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality %d out of range", a.JPEGQuality)
	}
	if a.Print && (a.PageWidth <= 0 || a.PageHeight <= 0) {
		return fmt.Errorf("print requires page dimensions")
	}
	return nil
}
