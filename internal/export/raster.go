package export

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// cropTo copies the top-left width x height region of img. The capture is
// one unit larger than the content bounds; cropping removes the padding.
func cropTo(img image.Image, width, height int) *image.RGBA {
	src := img.Bounds()
	if width > src.Dx() {
		width = src.Dx()
	}
	if height > src.Dy() {
		height = src.Dy()
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	return dst
}

// targetSize returns the output size for a caller-requested width and/or
// height. With one side given the other follows the aspect ratio; with
// both the image fits inside the box.
func targetSize(w, h, reqW, reqH int) (int, int) {
	if w <= 0 || h <= 0 || (reqW <= 0 && reqH <= 0) {
		return w, h
	}
	var factor float64
	switch {
	case reqW > 0 && reqH > 0:
		factor = math.Min(float64(reqW)/float64(w), float64(reqH)/float64(h))
	case reqW > 0:
		factor = float64(reqW) / float64(w)
	default:
		factor = float64(reqH) / float64(h)
	}
	nw := max(1, int(math.Round(float64(w)*factor)))
	nh := max(1, int(math.Round(float64(h)*factor)))
	return nw, nh
}

// scaleTo resamples img to the requested width and/or height.
func scaleTo(img *image.RGBA, reqW, reqH int) *image.RGBA {
	b := img.Bounds()
	nw, nh := targetSize(b.Dx(), b.Dy(), reqW, reqH)
	if nw == b.Dx() && nh == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// encodeRaster encodes img as PNG or JPEG and, for PNG, splices in the
// DPI and embedded-diagram chunks.
func encodeRaster(img image.Image, args *Args) ([]byte, error) {
	var buf bytes.Buffer
	if args.Format == FormatJPEG {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: args.JPEGQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), nil
	}

	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	var extra []Chunk
	if args.DPI > 0 {
		extra = append(extra, PhysChunk(args.DPI))
	}
	if args.EmbedXML {
		extra = append(extra, TextChunk(DiagramKeyword, encodeURIComponent(args.XML)))
	}
	if len(extra) == 0 {
		return buf.Bytes(), nil
	}
	return InsertBeforeIDAT(buf.Bytes(), extra...)
}
