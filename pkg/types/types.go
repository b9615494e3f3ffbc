package types

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// ShapeType is the geometry variant of an annotated shape
type ShapeType string

const (
	Polygon   ShapeType = "polygon"
	Rectangle ShapeType = "rectangle"
)

// Valid reports whether the shape type is one the exporter understands
func (t ShapeType) Valid() bool {
	return t == Polygon || t == Rectangle
}

// Point is an (x, y) coordinate in source image pixels, encoded as a JSON pair
type Point [2]float64

// X returns the horizontal coordinate
func (p Point) X() float64 { return p[0] }

// Y returns the vertical coordinate
func (p Point) Y() float64 { return p[1] }

// Shape is a single labeled region inside an annotation record
type Shape struct {
	Label       string          `json:"label"`
	Points      []Point         `json:"points"`
	GroupID     *int            `json:"group_id"`
	ShapeType   ShapeType       `json:"shape_type"`
	Flags       map[string]bool `json:"flags"`
	Description *string         `json:"description"`

	// MaskData is the base64 PNG as it appeared in the record.
	MaskData string `json:"-"`
	// Mask is MaskData decoded, nil when the shape carries no mask.
	Mask *image.Alpha `json:"-"`

	// Extra holds keys the exporter does not interpret. They are re-emitted verbatim.
	Extra map[string]json.RawMessage `json:"-"`
	// ExtraKeys is the order Extra's keys appeared in.
	ExtraKeys []string `json:"-"`
}

// AnnotationRecord is the decoded annotation for one source image
type AnnotationRecord struct {
	Version     string
	ImagePath   string
	ImageWidth  int
	ImageHeight int
	ImageData   []byte
	Flags       map[string]bool
	Shapes      []Shape

	// Source is the file the record was read from, empty for in-memory records.
	Source string
	// Extra holds unknown top-level keys, re-emitted verbatim on save.
	Extra     map[string]json.RawMessage
	ExtraKeys []string
}

// BBox is an axis-aligned bounding box in source pixels
type BBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// BoundsOf computes the bounding box over all points.
// An empty point list yields the zero box.
func BoundsOf(points []Point) BBox {
	if len(points) == 0 {
		return BBox{}
	}
	b := BBox{XMin: points[0].X(), YMin: points[0].Y(), XMax: points[0].X(), YMax: points[0].Y()}
	for _, p := range points[1:] {
		b.XMin = math.Min(b.XMin, p.X())
		b.YMin = math.Min(b.YMin, p.Y())
		b.XMax = math.Max(b.XMax, p.X())
		b.YMax = math.Max(b.YMax, p.Y())
	}
	return b
}

// Width returns the box width
func (b BBox) Width() float64 { return b.XMax - b.XMin }

// Height returns the box height
func (b BBox) Height() float64 { return b.YMax - b.YMin }

// Area is width*height of the box, not the area of the shape inside it
func (b BBox) Area() float64 { return b.Width() * b.Height() }

// COCO returns the box as [x, y, w, h]
func (b BBox) COCO() [4]float64 {
	return [4]float64{b.XMin, b.YMin, b.Width(), b.Height()}
}

// Degenerate reports a box with zero width or height
func (b BBox) Degenerate() bool {
	return b.Width() == 0 || b.Height() == 0
}

// PixelRect returns the smallest integer rectangle covering the box.
// The result is never empty: degenerate boxes widen to one pixel.
func (b BBox) PixelRect() image.Rectangle {
	r := image.Rect(
		int(math.Floor(b.XMin)), int(math.Floor(b.YMin)),
		int(math.Ceil(b.XMax)), int(math.Ceil(b.YMax)),
	)
	if r.Dx() == 0 {
		r.Max.X = r.Min.X + 1
	}
	if r.Dy() == 0 {
		r.Max.Y = r.Min.Y + 1
	}
	return r
}

func (b BBox) String() string {
	return fmt.Sprintf("(%.1f,%.1f)-(%.1f,%.1f)", b.XMin, b.YMin, b.XMax, b.YMax)
}

// RegionExtractionJob describes one crop to be cut from a source image
type RegionExtractionJob struct {
	ImageID   int
	ImagePath string
	Label     string
	ShapeType ShapeType
	Points    []Point
	BBox      BBox
	Mask      *image.Alpha
	// Index is the 1-based running count of this label within the image.
	Index int
}
