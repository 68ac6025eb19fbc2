package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawhost/internal/hosterr"
)

const sampleXML = `<mxfile><diagram id="a" name="Page-1">&lt;mxGraphModel/&gt;</diagram></mxfile>`

// =============================================================================
// Fakes
// =============================================================================

type fakeSurface struct {
	mu        sync.Mutex
	bounds    *Bounds
	pageCount int
	svg       string
	xml       string
	xmlErr    error
	loadErr   error
	badPage   int

	renders   []int
	prints    []PrintOptions
	width     int
	height    int
	destroyed int
}

func newFakeSurface(width, height float64) *fakeSurface {
	return &fakeSurface{
		bounds:    &Bounds{Width: width, Height: height},
		pageCount: 1,
		badPage:   -1,
		svg:       `<svg xmlns="http://www.w3.org/2000/svg"/>`,
		xml:       sampleXML,
	}
}

func (f *fakeSurface) Load(ctx context.Context, xml string) error {
	return f.loadErr
}

func (f *fakeSurface) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders = append(f.renders, req.Page)
	return RenderResult{PageCount: f.pageCount, Bounds: f.bounds}, nil
}

func (f *fakeSurface) Resize(ctx context.Context, width, height int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.width, f.height = width, height
	return nil
}

func (f *fakeSurface) Capture(ctx context.Context) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, f.width, f.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{B: 255, A: 255}}, image.Point{}, draw.Src)
	return img, nil
}

func (f *fakeSurface) PrintToPDF(ctx context.Context, opts PrintOptions) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := f.renders[len(f.renders)-1]
	f.prints = append(f.prints, opts)
	if page == f.badPage {
		return []byte("not a pdf"), nil
	}
	return minimalPDF(200 + 10*page), nil
}

func (f *fakeSurface) SVG(ctx context.Context) (string, error) {
	return f.svg, nil
}

func (f *fakeSurface) XML(ctx context.Context) (string, error) {
	return f.xml, f.xmlErr
}

func (f *fakeSurface) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

type transition struct {
	state State
	page  int
}

type pipelineFixture struct {
	surface  *fakeSurface
	pipeline *Pipeline
	created  int
	sleeps   []time.Duration
	trace    []transition
}

func newPipelineFixture(t *testing.T, surface *fakeSurface) *pipelineFixture {
	t.Helper()
	fx := &pipelineFixture{surface: surface}
	factory := func(ctx context.Context) (Surface, error) {
		fx.created++
		return surface, nil
	}
	fx.pipeline = NewPipeline(factory, Options{
		Creator: "drawhost test",
		Observe: func(id string, s State, page int) {
			fx.trace = append(fx.trace, transition{s, page})
		},
	}, nil)
	fx.pipeline.sleep = func(ctx context.Context, d time.Duration) error {
		fx.sleeps = append(fx.sleeps, d)
		return nil
	}
	return fx
}

func (fx *pipelineFixture) last() State {
	return fx.trace[len(fx.trace)-1].state
}

// minimalPDF builds a one-page document with a page of the given width.
func minimalPDF(width int) []byte {
	content := "0 0 m 10 10 l S"
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d 100] /Resources << >> /Contents 4 0 R >>", width),
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

// =============================================================================
// Raster exports
// =============================================================================

func TestExportPNGScalesToWidth(t *testing.T) {
	fx := newPipelineFixture(t, newFakeSurface(400, 300))

	out, err := fx.pipeline.Export(context.Background(), Args{Format: "png", XML: sampleXML, W: 200})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 150, img.Bounds().Dy())

	assert.Equal(t, 401, fx.surface.width, "surface resized to bounds plus padding")
	assert.Equal(t, 301, fx.surface.height)
	assert.Equal(t, []time.Duration{DefaultShortSettle}, fx.sleeps)
	assert.Equal(t, 1, fx.surface.destroyed)
	assert.Equal(t, StateDone, fx.last())
}

func TestExportPNGNaturalSize(t *testing.T) {
	fx := newPipelineFixture(t, newFakeSurface(120.4, 80))

	out, err := fx.pipeline.Export(context.Background(), Args{Format: "png", XML: sampleXML})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 121, 80), img.Bounds())
}

func TestExportPNGEmbedsMetadata(t *testing.T) {
	fx := newPipelineFixture(t, newFakeSurface(50, 40))

	out, err := fx.pipeline.Export(context.Background(), Args{
		Format: "png", XML: sampleXML, EmbedXML: true, DPI: 96,
	})
	require.NoError(t, err)

	chunks, err := ReadChunks(out)
	require.NoError(t, err)
	var order []string
	for _, c := range chunks {
		order = append(order, c.Type)
		if c.Type == "pHYs" {
			assert.Equal(t, []byte{0, 0, 0x0e, 0xc4, 0, 0, 0x0e, 0xc4, 1}, c.Data, "96 dpi is 3780 px/m")
		}
	}
	require.Contains(t, order, "IDAT")
	idat := indexOf(order, "IDAT")
	assert.Less(t, indexOf(order, "pHYs"), idat)
	assert.Less(t, indexOf(order, "tEXt"), idat)

	xml, ok, err := EmbeddedDiagram(out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleXML, xml)

	_, err = png.Decode(bytes.NewReader(out))
	assert.NoError(t, err, "spliced stream still decodes")
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestExportJPEG(t *testing.T) {
	fx := newPipelineFixture(t, newFakeSurface(64, 32))

	out, err := fx.pipeline.Export(context.Background(), Args{Format: "jpg", XML: sampleXML, H: 16, JPEGQuality: 70})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
}

func TestExportBase64(t *testing.T) {
	fx := newPipelineFixture(t, newFakeSurface(10, 10))

	out, err := fx.pipeline.Export(context.Background(), Args{Format: "png", XML: sampleXML, Base64: true})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(string(out))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, pngSignature))
}

func TestExportRejectsDegenerateBounds(t *testing.T) {
	tests := []struct {
		name   string
		bounds *Bounds
	}{
		{"missing", nil},
		{"narrow", &Bounds{Width: 4, Height: 100}},
		{"flat", &Bounds{Width: 100, Height: 4.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			surface := newFakeSurface(0, 0)
			surface.bounds = tt.bounds
			fx := newPipelineFixture(t, surface)

			_, err := fx.pipeline.Export(context.Background(), Args{Format: "png", XML: sampleXML})
			require.Error(t, err)
			assert.Equal(t, hosterr.ExportFailed, hosterr.KindOf(err))
			assert.Equal(t, StateFailed, fx.last())
			assert.Equal(t, 1, surface.destroyed)
			assert.Empty(t, fx.sleeps, "no capture cycle for empty diagrams")
		})
	}
}

func TestSettleDelay(t *testing.T) {
	p := NewPipeline(nil, Options{}, nil)
	assert.Equal(t, DefaultShortSettle, p.SettleDelay(1000*1000))
	assert.Equal(t, DefaultLongSettle, p.SettleDelay(6000*6000))
	assert.Equal(t, DefaultLongSettle, p.SettleDelay(DefaultAreaThreshold))

	p = NewPipeline(nil, Options{ShortSettle: 10 * time.Millisecond, LongSettle: 20 * time.Millisecond, AreaThreshold: 100}, nil)
	assert.Equal(t, 10*time.Millisecond, p.SettleDelay(99))
	assert.Equal(t, 20*time.Millisecond, p.SettleDelay(100))
}

// =============================================================================
// PDF exports
// =============================================================================

func TestExportPDFMergesPagesInOrder(t *testing.T) {
	surface := newFakeSurface(100, 50)
	surface.pageCount = 3
	fx := newPipelineFixture(t, surface)

	out, err := fx.pipeline.Export(context.Background(), Args{Format: "pdf", XML: sampleXML, AllPages: true})
	require.NoError(t, err)

	n, err := PageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{0, 1, 2}, surface.renders)

	want := []transition{
		{StateInit, -1},
		{StateRendering, 0}, {StateCaptured, 0},
		{StateRendering, 1}, {StateCaptured, 1},
		{StateRendering, 2}, {StateCaptured, 2},
		{StateMerging, -1},
		{StateDone, -1},
	}
	assert.Equal(t, want, fx.trace)
	assert.Equal(t, 1, surface.destroyed)

	require.Len(t, surface.prints, 3)
	assert.Equal(t, int(math.Ceil(101*MicronsPerPixel)), surface.prints[0].PageWidth)
}

func TestExportPDFRange(t *testing.T) {
	surface := newFakeSurface(100, 50)
	surface.pageCount = 5
	fx := newPipelineFixture(t, surface)

	out, err := fx.pipeline.Export(context.Background(), Args{Format: "pdf", XML: sampleXML, From: 1, To: 2})
	require.NoError(t, err)

	n, err := PageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 2}, surface.renders)
}

func TestExportPDFRangeClampedToPageCount(t *testing.T) {
	surface := newFakeSurface(100, 50)
	surface.pageCount = 2
	fx := newPipelineFixture(t, surface)

	_, err := fx.pipeline.Export(context.Background(), Args{Format: "pdf", XML: sampleXML, From: 0, To: 9})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, surface.renders)
}

func TestExportPDFStampsCreator(t *testing.T) {
	surface := newFakeSurface(100, 50)
	surface.pageCount = 2
	fx := newPipelineFixture(t, surface)

	out, err := fx.pipeline.Export(context.Background(), Args{Format: "pdf", XML: sampleXML, AllPages: true, EmbedXML: true})
	require.NoError(t, err)

	ctx, err := api.ReadContext(bytes.NewReader(out), pdfConfig())
	require.NoError(t, err)
	require.NotNil(t, ctx.Info)
	info, err := ctx.DereferenceDict(*ctx.Info)
	require.NoError(t, err)
	creator, ok := info["Creator"].(types.StringLiteral)
	require.True(t, ok)
	assert.Equal(t, "drawhost test", string(creator))

	n, err := PageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExportPDFBadPageFails(t *testing.T) {
	surface := newFakeSurface(100, 50)
	surface.pageCount = 3
	surface.badPage = 1
	fx := newPipelineFixture(t, surface)

	_, err := fx.pipeline.Export(context.Background(), Args{Format: "pdf", XML: sampleXML, AllPages: true})
	require.Error(t, err)
	assert.Equal(t, hosterr.ExportFailed, hosterr.KindOf(err))
	assert.Contains(t, err.Error(), "page 2")
	assert.Equal(t, 1, surface.destroyed)
}

func TestExportPrint(t *testing.T) {
	surface := newFakeSurface(100, 50)
	surface.pageCount = 4
	fx := newPipelineFixture(t, surface)

	_, err := fx.pipeline.Export(context.Background(), Args{
		Format: "pdf", XML: sampleXML, Print: true, PageWidth: 100, PageHeight: 200, Scale: 0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0}, surface.renders, "print does not loop over pages")
	require.Len(t, surface.prints, 1)
	assert.Equal(t, 26458, surface.prints[0].PageWidth)
	assert.Equal(t, 52916, surface.prints[0].PageHeight)
	assert.Equal(t, 0.5, surface.prints[0].Scale)
}

func TestMergePDFNoPages(t *testing.T) {
	_, err := MergePDF(nil, MergeOptions{})
	assert.ErrorIs(t, err, ErrNoPages)
}

// =============================================================================
// Vector and source exports
// =============================================================================

func TestExportSVGAndXML(t *testing.T) {
	surface := newFakeSurface(100, 50)
	fx := newPipelineFixture(t, surface)

	out, err := fx.pipeline.Export(context.Background(), Args{Format: "svg", XML: sampleXML})
	require.NoError(t, err)
	assert.Equal(t, surface.svg, string(out))

	out, err = fx.pipeline.Export(context.Background(), Args{Format: "xml", XML: sampleXML})
	require.NoError(t, err)
	assert.Equal(t, sampleXML, string(out))
	assert.Equal(t, 2, surface.destroyed)
}

func TestExportJobIDs(t *testing.T) {
	surface := newFakeSurface(100, 50)
	var ids []string
	n := 0
	p := NewPipeline(func(context.Context) (Surface, error) { return surface, nil }, Options{
		NewID: func() string { n++; return fmt.Sprintf("job-%d", n) },
		Observe: func(id string, s State, _ int) {
			if s == StateDone {
				ids = append(ids, id)
			}
		},
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := p.Export(context.Background(), Args{Format: "svg", XML: sampleXML})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"job-1", "job-2"}, ids)
}

func TestExportXMLSerializationError(t *testing.T) {
	surface := newFakeSurface(100, 50)
	surface.xmlErr = errors.New("boom")
	fx := newPipelineFixture(t, surface)

	_, err := fx.pipeline.Export(context.Background(), Args{Format: "xml", XML: sampleXML})
	require.Error(t, err)
	assert.Equal(t, hosterr.ExportFailed, hosterr.KindOf(err))
	assert.Contains(t, err.Error(), "xml serialization")
	assert.Equal(t, 1, surface.destroyed)
}

// =============================================================================
// Arguments and lifecycle
// =============================================================================

func TestExportInvalidArgs(t *testing.T) {
	tests := []struct {
		name string
		args Args
	}{
		{"format", Args{Format: "gif", XML: sampleXML}},
		{"source", Args{Format: "png"}},
		{"negative width", Args{Format: "png", XML: sampleXML, W: -1}},
		{"quality", Args{Format: "jpeg", XML: sampleXML, JPEGQuality: 101}},
		{"print geometry", Args{Format: "pdf", XML: sampleXML, Print: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newPipelineFixture(t, newFakeSurface(10, 10))
			_, err := fx.pipeline.Export(context.Background(), tt.args)
			require.Error(t, err)
			assert.Equal(t, hosterr.ExportFailed, hosterr.KindOf(err))
			assert.Zero(t, fx.created, "no surface for invalid arguments")
		})
	}
}

func TestExportDestroysOnLoadFailure(t *testing.T) {
	surface := newFakeSurface(10, 10)
	surface.loadErr = errors.New("renderer crashed")
	fx := newPipelineFixture(t, surface)

	_, err := fx.pipeline.Export(context.Background(), Args{Format: "png", XML: sampleXML})
	require.Error(t, err)
	assert.Equal(t, 1, surface.destroyed)
}

func TestExportFactoryFailure(t *testing.T) {
	p := NewPipeline(func(ctx context.Context) (Surface, error) {
		return nil, errors.New("no renderer")
	}, Options{}, nil)

	_, err := p.Export(context.Background(), Args{Format: "png", XML: sampleXML})
	require.Error(t, err)
	assert.Equal(t, hosterr.ExportFailed, hosterr.KindOf(err))
}

func TestArgsNormalize(t *testing.T) {
	a := Args{Format: " JPG ", From: 3, To: 1}
	a.Normalize()
	assert.Equal(t, FormatJPEG, a.Format)
	assert.Equal(t, 1.0, a.Scale)
	assert.Equal(t, DefaultJPEGQuality, a.JPEGQuality)
	assert.Equal(t, 3, a.To)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "rendering", StateRendering.String())
	assert.Equal(t, "state(42)", State(42).String())
}
