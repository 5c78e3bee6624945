// Package geometry derives stage coordinates for every well of a plate from
// four user-taught corner anchors, and generates the serpentine order in
// which a run visits them.
package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// displayPrecision is the number of decimal places positions are rounded to
// before being sent to the stage controller, which truncates long fractions.
const displayPrecision = 2

// Point is a 3-axis stage coordinate in millimetres.
type Point struct {
	X float64 `json:"X"`
	Y float64 `json:"Y"`
	Z float64 `json:"Z"`
}

// IsZero reports whether the point is the unset default.
func (p Point) IsZero() bool {
	return p.X == 0 && p.Y == 0 && p.Z == 0
}

// CornerSet holds the four taught corner positions of the plate. All four
// must be set before well positions can be derived.
type CornerSet struct {
	TopLeft     Point `json:"top_left"`
	BottomLeft  Point `json:"bottom_left"`
	TopRight    Point `json:"top_right"`
	BottomRight Point `json:"bottom_right"`
}

// MissingCorners returns the names of corners still at their unset default.
func (c CornerSet) MissingCorners() []string {
	var missing []string
	for _, corner := range []struct {
		name string
		p    Point
	}{
		{"top_left", c.TopLeft},
		{"bottom_left", c.BottomLeft},
		{"top_right", c.TopRight},
		{"bottom_right", c.BottomRight},
	} {
		if corner.p.IsZero() {
			missing = append(missing, corner.name)
		}
	}
	return missing
}

// Complete reports whether all four corners are set.
func (c CornerSet) Complete() bool {
	return len(c.MissingCorners()) == 0
}

// Grid describes the plate dimensions. Rows are lettered A, B, C, ...;
// columns are numbered from 1.
type Grid struct {
	Rows int `json:"num_rows"`
	Cols int `json:"num_cols"`
}

// Validate checks the grid dimensions.
func (g Grid) Validate() error {
	if g.Rows < 1 || g.Cols < 1 {
		return fmt.Errorf("geometry: invalid grid %dx%d: rows and cols must be >= 1", g.Rows, g.Cols)
	}
	if g.Rows > 26 {
		return fmt.Errorf("geometry: %d rows exceeds single-letter row naming (max 26)", g.Rows)
	}
	return nil
}

// Wells returns the number of wells in the grid.
func (g Grid) Wells() int { return g.Rows * g.Cols }

// InvalidWellError reports a well identifier that does not exist in a grid.
type InvalidWellError struct {
	Well string
	Grid Grid
}

func (e *InvalidWellError) Error() string {
	return fmt.Sprintf("geometry: well %q is not valid in a %dx%d grid", e.Well, e.Grid.Rows, e.Grid.Cols)
}

// IncompleteCornersError reports a position derivation attempted before all
// four corners were taught.
type IncompleteCornersError struct {
	Missing []string
}

func (e *IncompleteCornersError) Error() string {
	return fmt.Sprintf("geometry: corner set incomplete: missing %s", strings.Join(e.Missing, ", "))
}

// FormatWellID builds a well identifier from zero-based row and column
// indices, e.g. (1, 2) -> "B3".
func FormatWellID(row, col int) string {
	return fmt.Sprintf("%c%d", 'A'+rune(row), col+1)
}

// ParseWellID splits a well identifier into zero-based row and column
// indices, validating it against the grid.
func ParseWellID(id string, g Grid) (row, col int, err error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if len(id) < 2 {
		return 0, 0, &InvalidWellError{Well: id, Grid: g}
	}
	r := id[0]
	if r < 'A' || r > 'Z' {
		return 0, 0, &InvalidWellError{Well: id, Grid: g}
	}
	n, convErr := strconv.Atoi(id[1:])
	if convErr != nil {
		return 0, 0, &InvalidWellError{Well: id, Grid: g}
	}
	row = int(r - 'A')
	col = n - 1
	if row >= g.Rows || col < 0 || col >= g.Cols {
		return 0, 0, &InvalidWellError{Well: id, Grid: g}
	}
	return row, col, nil
}

func round2(v float64) float64 {
	p := math.Pow10(displayPrecision)
	return math.Round(v*p) / p
}

func lerp(a, b, t float64) float64 { return a + t*(b-a) }

// WellPosition computes the stage coordinate of a well by two-stage edge
// interpolation: the top and bottom edges are each interpolated at the
// column parameter using their own corner pair, then the two edge points are
// interpolated at the row parameter. Using independent edges (rather than a
// single 2D blend) tolerates a tilted or non-rectangular plate.
func WellPosition(corners CornerSet, g Grid, well string) (Point, error) {
	if err := g.Validate(); err != nil {
		return Point{}, err
	}
	if missing := corners.MissingCorners(); len(missing) > 0 {
		return Point{}, &IncompleteCornersError{Missing: missing}
	}
	row, col, err := ParseWellID(well, g)
	if err != nil {
		return Point{}, err
	}

	var u, v float64
	if g.Cols > 1 {
		u = float64(col) / float64(g.Cols-1)
	}
	if g.Rows > 1 {
		v = float64(row) / float64(g.Rows-1)
	}

	top := Point{
		X: lerp(corners.TopLeft.X, corners.TopRight.X, u),
		Y: lerp(corners.TopLeft.Y, corners.TopRight.Y, u),
		Z: lerp(corners.TopLeft.Z, corners.TopRight.Z, u),
	}
	bottom := Point{
		X: lerp(corners.BottomLeft.X, corners.BottomRight.X, u),
		Y: lerp(corners.BottomLeft.Y, corners.BottomRight.Y, u),
		Z: lerp(corners.BottomLeft.Z, corners.BottomRight.Z, u),
	}

	return Point{
		X: round2(lerp(top.X, bottom.X, v)),
		Y: round2(lerp(top.Y, bottom.Y, v)),
		Z: round2(lerp(top.Z, bottom.Z, v)),
	}, nil
}

// AllPositions computes the position of every well in the grid, keyed by
// well identifier.
func AllPositions(corners CornerSet, g Grid) (map[string]Point, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	out := make(map[string]Point, g.Wells())
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			id := FormatWellID(r, c)
			p, err := WellPosition(corners, g, id)
			if err != nil {
				return nil, err
			}
			out[id] = p
		}
	}
	return out, nil
}

// VisitOrder returns the serpentine traversal of the grid: even row indices
// walk columns ascending, odd row indices descending, minimising axis
// reversals between consecutive wells.
func VisitOrder(g Grid) []string {
	if g.Rows < 1 || g.Cols < 1 {
		return nil
	}
	order := make([]string, 0, g.Wells())
	for r := 0; r < g.Rows; r++ {
		if r%2 == 0 {
			for c := 0; c < g.Cols; c++ {
				order = append(order, FormatWellID(r, c))
			}
		} else {
			for c := g.Cols - 1; c >= 0; c-- {
				order = append(order, FormatWellID(r, c))
			}
		}
	}
	return order
}
