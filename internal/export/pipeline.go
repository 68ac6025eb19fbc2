// Package export renders diagrams on a hidden surface and produces PDF,
// PNG, JPEG, SVG and XML artifacts.
package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"drawhost/internal/hosterr"
)

// Settle defaults. Captures wait after a resize because the surface gives
// no paint-complete signal.
const (
	DefaultShortSettle   = 50 * time.Millisecond
	DefaultLongSettle    = 1000 * time.Millisecond
	DefaultAreaThreshold = 30_000_000
	DefaultCreator       = "drawhost"
)

// State is a step of the export state machine.
type State int

const (
	StateInit State = iota
	StateRendering
	StateCaptured
	StateMerging
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRendering:
		return "rendering"
	case StateCaptured:
		return "captured"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options tunes a Pipeline.
type Options struct {
	ShortSettle   time.Duration
	LongSettle    time.Duration
	AreaThreshold float64
	Creator       string

	// NewID names export jobs. Defaults to random UUIDs.
	NewID func() string

	// Observe, when set, is called on every state transition with the
	// page the transition concerns (-1 when none).
	Observe func(id string, s State, page int)
}

// Pipeline runs export requests. Each request gets its own surface.
type Pipeline struct {
	factory SurfaceFactory
	opts    Options
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates a pipeline drawing surfaces from factory.
func NewPipeline(factory SurfaceFactory, opts Options, logger *slog.Logger) *Pipeline {
	if opts.ShortSettle <= 0 {
		opts.ShortSettle = DefaultShortSettle
	}
	if opts.LongSettle < opts.ShortSettle {
		opts.LongSettle = max(DefaultLongSettle, opts.ShortSettle)
	}
	if opts.AreaThreshold <= 0 {
		opts.AreaThreshold = DefaultAreaThreshold
	}
	if opts.Creator == "" {
		opts.Creator = DefaultCreator
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{factory: factory, opts: opts, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SettleDelay returns the wait before capturing a surface of the given area.
func (p *Pipeline) SettleDelay(area float64) time.Duration {
	if area < p.opts.AreaThreshold {
		return p.opts.ShortSettle
	}
	return p.opts.LongSettle
}

// job is one export in flight.
type job struct {
	id     string
	args   *Args
	p      *Pipeline
	logger *slog.Logger
	state  State
}

func (j *job) to(s State, page int) {
	j.state = s
	if s == StateRendering || s == StateCaptured {
		j.logger.Debug("export state", "state", s.String(), "page", page)
	} else {
		j.logger.Debug("export state", "state", s.String())
	}
	if j.p.opts.Observe != nil {
		j.p.opts.Observe(j.id, s, page)
	}
}

func (j *job) fail(err error) error {
	j.to(StateFailed, -1)
	j.logger.Warn("export failed", "error", err)
	return hosterr.Wrap(hosterr.ExportFailed, "export", "", err)
}

// Export runs one export to completion. The surface is destroyed exactly
// once whatever the outcome. With Args.Base64 the result is base64 text.
func (p *Pipeline) Export(ctx context.Context, args Args) ([]byte, error) {
	args.Normalize()
	j := &job{id: p.opts.NewID(), args: &args, p: p}
	j.logger = p.logger.With("export", j.id, "format", args.Format)

	if err := args.Validate(); err != nil {
		return nil, j.fail(err)
	}

	j.to(StateInit, -1)
	surface, err := p.factory(ctx)
	if err != nil {
		return nil, j.fail(fmt.Errorf("create surface: %w", err))
	}
	var once sync.Once
	destroy := func() {
		once.Do(func() {
			if err := surface.Destroy(); err != nil {
				j.logger.Debug("destroy surface", "error", err)
			}
		})
	}
	defer destroy()

	if err := surface.Load(ctx, args.XML); err != nil {
		return nil, j.fail(fmt.Errorf("load diagram: %w", err))
	}

	var out []byte
	switch args.Format {
	case FormatPNG, FormatJPEG:
		out, err = j.raster(ctx, surface)
	case FormatPDF:
		if args.Print {
			out, err = j.print(ctx, surface)
		} else {
			out, err = j.pages(ctx, surface)
		}
	case FormatSVG:
		out, err = j.svg(ctx, surface)
	case FormatXML:
		out, err = j.xml(ctx, surface)
	}
	destroy()
	if err != nil {
		return nil, j.fail(err)
	}

	if args.Base64 {
		out = []byte(base64.StdEncoding.EncodeToString(out))
	}
	j.to(StateDone, -1)
	return out, nil
}

func (j *job) request(page int) RenderRequest {
	a := j.args
	return RenderRequest{
		Format:      a.Format,
		Page:        page,
		PageID:      a.PageID,
		Scale:       a.Scale,
		Border:      a.Border,
		Background:  a.Background,
		Transparent: a.Transparent,
		Crop:        a.Crop,
		Theme:       a.Theme,
		LinkTarget:  a.LinkTarget,
	}
}

// render renders page and rejects missing or degenerate bounds.
func (j *job) render(ctx context.Context, s Surface, page int) (RenderResult, error) {
	j.to(StateRendering, page)
	res, err := s.Render(ctx, j.request(page))
	if err != nil {
		return res, fmt.Errorf("render page %d: %w", page+1, err)
	}
	b := res.Bounds
	if b == nil {
		return res, fmt.Errorf("render page %d: no bounds", page+1)
	}
	if b.Width < MinBoundsSize || b.Height < MinBoundsSize {
		return res, fmt.Errorf("render page %d: bounds %.0fx%.0f too small", page+1, b.Width, b.Height)
	}
	return res, nil
}

func (j *job) raster(ctx context.Context, s Surface) ([]byte, error) {
	res, err := j.render(ctx, s, j.args.From)
	if err != nil {
		return nil, err
	}
	w := int(math.Ceil(res.Bounds.Width))
	h := int(math.Ceil(res.Bounds.Height))
	if err := s.Resize(ctx, w+1, h+1); err != nil {
		return nil, fmt.Errorf("resize surface: %w", err)
	}
	if err := j.p.sleep(ctx, j.p.SettleDelay(float64(w)*float64(h))); err != nil {
		return nil, err
	}
	img, err := s.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	j.to(StateCaptured, j.args.From)

	out := scaleTo(cropTo(img, w, h), j.args.W, j.args.H)
	return encodeRaster(out, j.args)
}

// pages prints each page of the range to its own document, one page at a
// time, then merges them in order.
func (j *job) pages(ctx context.Context, s Surface) ([]byte, error) {
	a := j.args
	page, last := a.From, a.To
	if a.AllPages {
		page, last = 0, -1
	}

	var buffers [][]byte
	for {
		res, err := j.render(ctx, s, page)
		if err != nil {
			return nil, err
		}
		if last < 0 || (res.PageCount > 0 && last > res.PageCount-1) {
			last = max(res.PageCount-1, page)
		}

		buf, err := s.PrintToPDF(ctx, PrintOptions{
			PageWidth:       int(math.Ceil((res.Bounds.Width + 1) * MicronsPerPixel)),
			PageHeight:      int(math.Ceil((res.Bounds.Height + 1) * MicronsPerPixel)),
			Scale:           1,
			PrintBackground: true,
		})
		if err != nil {
			return nil, fmt.Errorf("print page %d: %w", page+1, err)
		}
		j.to(StateCaptured, page)
		buffers = append(buffers, buf)

		if page >= last {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page++
	}

	j.to(StateMerging, -1)
	opts := MergeOptions{Creator: j.p.opts.Creator}
	if a.EmbedXML {
		opts.Attachment = []byte(a.XML)
	}
	merged, err := MergePDF(buffers, opts)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// print runs one native print with caller page geometry.
func (j *job) print(ctx context.Context, s Surface) ([]byte, error) {
	a := j.args
	if _, err := j.render(ctx, s, a.From); err != nil {
		return nil, err
	}
	buf, err := s.PrintToPDF(ctx, PrintOptions{
		PageWidth:       int(math.Round(a.PageWidth * MicronsPerPixel)),
		PageHeight:      int(math.Round(a.PageHeight * MicronsPerPixel)),
		Scale:           a.Scale,
		PrintBackground: true,
	})
	if err != nil {
		return nil, fmt.Errorf("print: %w", err)
	}
	j.to(StateCaptured, a.From)
	return buf, nil
}

func (j *job) svg(ctx context.Context, s Surface) ([]byte, error) {
	j.to(StateRendering, j.args.From)
	if _, err := s.Render(ctx, j.request(j.args.From)); err != nil {
		return nil, fmt.Errorf("render svg: %w", err)
	}
	markup, err := s.SVG(ctx)
	if err != nil {
		return nil, fmt.Errorf("svg: %w", err)
	}
	j.to(StateCaptured, j.args.From)
	return []byte(markup), nil
}

func (j *job) xml(ctx context.Context, s Surface) ([]byte, error) {
	source, err := s.XML(ctx)
	if err != nil {
		return nil, fmt.Errorf("xml serialization: %w", err)
	}
	j.to(StateCaptured, -1)
	return []byte(source), nil
}
