package export

import (
	"context"
	"image"
)

// MinBoundsSize is the smallest rendered width or height accepted. Smaller
// bounds mean an empty or broken diagram.
const MinBoundsSize = 5

// Bounds is the content bounding box reported after a render.
type Bounds struct {
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Width  float64 `json:"width" msgpack:"width"`
	Height float64 `json:"height" msgpack:"height"`
}

// RenderRequest asks the surface to lay out one page.
type RenderRequest struct {
	Format      string  `msgpack:"format"`
	Page        int     `msgpack:"page"`
	PageID      string  `msgpack:"pageId,omitempty"`
	Scale       float64 `msgpack:"scale"`
	Border      int     `msgpack:"border"`
	Background  string  `msgpack:"bg,omitempty"`
	Transparent bool    `msgpack:"transparent"`
	Crop        bool    `msgpack:"crop"`
	Theme       string  `msgpack:"theme,omitempty"`
	LinkTarget  string  `msgpack:"linkTarget,omitempty"`
}

// RenderResult is the surface's reply to a render.
type RenderResult struct {
	PageCount int     `msgpack:"pageCount"`
	Bounds    *Bounds `msgpack:"bounds"`
}

// PrintOptions configures a print-to-PDF. Sizes are in micrometres.
type PrintOptions struct {
	PageWidth       int     `msgpack:"pageWidth"`
	PageHeight      int     `msgpack:"pageHeight"`
	Scale           float64 `msgpack:"scale"`
	PrintBackground bool    `msgpack:"printBackground"`
}

// Surface is a hidden rendering surface loaded with the diagram renderer.
type Surface interface {
	// Load loads the diagram and returns once the renderer is ready.
	Load(ctx context.Context, xml string) error
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
	Resize(ctx context.Context, width, height int) error
	Capture(ctx context.Context) (image.Image, error)
	PrintToPDF(ctx context.Context, opts PrintOptions) ([]byte, error)
	SVG(ctx context.Context) (string, error)
	XML(ctx context.Context) (string, error)
	Destroy() error
}

// SurfaceFactory creates a fresh surface per export.
type SurfaceFactory func(ctx context.Context) (Surface, error)
