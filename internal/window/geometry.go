package window

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Default size used when no saved geometry can be restored.
const (
	DefaultWidth  = 1600
	DefaultHeight = 1200
)

// ErrBadGeometry is returned when a saved geometry string cannot be parsed.
var ErrBadGeometry = errors.New("window: malformed geometry")

// Size is a width and height in device-independent pixels.
type Size struct {
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// Point is a screen position.
type Point struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
}

// Rect is a screen area.
type Rect struct {
	X      int `json:"x" msgpack:"x"`
	Y      int `json:"y" msgpack:"y"`
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// Contains reports whether p lies inside r.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X < r.X+r.Width && p.Y >= r.Y && p.Y < r.Y+r.Height
}

// Geometry is the persisted last window state.
type Geometry struct {
	Size       Size  `json:"size" msgpack:"size"`
	Position   Point `json:"position" msgpack:"position"`
	Maximized  bool  `json:"maximized" msgpack:"maximized"`
	Fullscreen bool  `json:"fullscreen" msgpack:"fullscreen"`
}

// DefaultGeometry is used when nothing valid was saved.
func DefaultGeometry() Geometry {
	return Geometry{Size: Size{Width: DefaultWidth, Height: DefaultHeight}}
}

// String encodes g as "width,height,x,y,maximized,fullscreen".
func (g Geometry) String() string {
	return fmt.Sprintf("%d,%d,%d,%d,%t,%t",
		g.Size.Width, g.Size.Height, g.Position.X, g.Position.Y, g.Maximized, g.Fullscreen)
}

// ParseGeometry decodes the persisted geometry string.
func ParseGeometry(s string) (Geometry, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return Geometry{}, fmt.Errorf("%w: %d fields", ErrBadGeometry, len(parts))
	}
	var ints [4]int
	for i := range ints {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return Geometry{}, fmt.Errorf("%w: %v", ErrBadGeometry, err)
		}
		ints[i] = n
	}
	maximized, err := strconv.ParseBool(strings.TrimSpace(parts[4]))
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrBadGeometry, err)
	}
	fullscreen, err := strconv.ParseBool(strings.TrimSpace(parts[5]))
	if err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrBadGeometry, err)
	}
	if ints[0] <= 0 || ints[1] <= 0 {
		return Geometry{}, fmt.Errorf("%w: non-positive size", ErrBadGeometry)
	}
	return Geometry{
		Size:       Size{Width: ints[0], Height: ints[1]},
		Position:   Point{X: ints[2], Y: ints[3]},
		Maximized:  maximized,
		Fullscreen: fullscreen,
	}, nil
}

// Restore picks the geometry for a new window: the saved one when its
// position lies in the work area of a connected display, otherwise the
// default.
func Restore(saved string, workAreas []Rect) Geometry {
	g, err := ParseGeometry(saved)
	if err != nil {
		return DefaultGeometry()
	}
	for _, area := range workAreas {
		if area.Contains(g.Position) {
			return g
		}
	}
	return DefaultGeometry()
}
