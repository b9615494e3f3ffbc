// Package converter turns a batch of annotation records into a merged COCO
// descriptor and the list of region-extraction jobs derived from its shapes.
//
// IDs follow input order exactly: records in the order given, shapes in record
// order. Converting the same batch twice yields byte-identical descriptors.
package converter

import (
	"errors"
	"fmt"
	"image"

	"github.com/menta2k/dataset-exporter/pkg/types"
)

// ImageResolver provides the decoded raster behind a record
type ImageResolver interface {
	ResolveImage(rec types.AnnotationRecord) (image.Image, error)
}

// SkippedRecord names a record that produced no output and why
type SkippedRecord struct {
	ImagePath string
	Err       error
}

// Result is the output of one conversion run
type Result struct {
	Descriptor Descriptor
	Jobs       []types.RegionExtractionJob
	Skipped    []SkippedRecord
	// SkippedShapes counts shapes whose type has no COCO mapping.
	SkippedShapes int
	// Records maps image IDs back to the record they came from.
	Records map[int]types.AnnotationRecord
}

// Converter builds datasets from annotation records
type Converter struct {
	resolver ImageResolver
	logger   types.Logger
}

// New creates a converter that decodes images through resolver
func New(resolver ImageResolver, logger types.Logger) *Converter {
	return &Converter{resolver: resolver, logger: types.OrNop(logger)}
}

// Convert runs a full conversion with a fresh ConversionContext
func (c *Converter) Convert(records []types.AnnotationRecord) Result {
	return c.ConvertWithContext(NewConversionContext(), records)
}

// ConvertWithContext runs a conversion using the counters in ctx
func (c *Converter) ConvertWithContext(ctx *ConversionContext, records []types.AnnotationRecord) Result {
	res := Result{
		Descriptor: NewDescriptor(),
		Records:    make(map[int]types.AnnotationRecord),
	}

	for _, rec := range records {
		img, err := c.resolver.ResolveImage(rec)
		if err != nil {
			if !errors.Is(err, types.ErrImageUnreadable) {
				err = fmt.Errorf("%w: %v", types.ErrImageUnreadable, err)
			}
			c.logger.Warnf("skipping record %s: %v", rec.ImagePath, err)
			res.Skipped = append(res.Skipped, SkippedRecord{ImagePath: rec.ImagePath, Err: err})
			continue
		}

		width, height := c.dimensions(rec, img)
		imageID := ctx.NextImageID()
		res.Records[imageID] = rec
		res.Descriptor.Images = append(res.Descriptor.Images, Image{
			ID:       imageID,
			FileName: rec.ImagePath,
			Width:    width,
			Height:   height,
		})

		for _, shape := range rec.Shapes {
			if shape.ShapeType == "" {
				shape.ShapeType = types.Polygon
			}
			if !shape.ShapeType.Valid() {
				c.logger.Warnf("%s: skipping %s shape %q", rec.ImagePath, shape.ShapeType, shape.Label)
				res.SkippedShapes++
				continue
			}
			ann, job := c.convertShape(ctx, imageID, rec.ImagePath, shape)
			res.Descriptor.Annotations = append(res.Descriptor.Annotations, ann)
			res.Jobs = append(res.Jobs, job)
		}
	}

	res.Descriptor.Categories = ctx.Registry.Categories()
	c.logger.Infof("converted %d images, %d annotations, %d categories (%d records skipped)",
		len(res.Descriptor.Images), len(res.Descriptor.Annotations), len(res.Descriptor.Categories), len(res.Skipped))
	return res
}

// dimensions prefers the decoded raster over the declared size
func (c *Converter) dimensions(rec types.AnnotationRecord, img image.Image) (int, int) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if rec.ImageWidth != 0 && rec.ImageWidth != width {
		c.logger.Warnf("%s: imageWidth %d does not match image, using %d", rec.ImagePath, rec.ImageWidth, width)
	}
	if rec.ImageHeight != 0 && rec.ImageHeight != height {
		c.logger.Warnf("%s: imageHeight %d does not match image, using %d", rec.ImagePath, rec.ImageHeight, height)
	}
	return width, height
}

func (c *Converter) convertShape(ctx *ConversionContext, imageID int, imagePath string, shape types.Shape) (Annotation, types.RegionExtractionJob) {
	bbox := types.BoundsOf(shape.Points)
	categoryID := ctx.Registry.Resolve(shape.Label)

	if bbox.Degenerate() {
		c.logger.Debugf("%s: shape %q has a degenerate bbox %s", imagePath, shape.Label, bbox)
	}

	ann := Annotation{
		ID:           ctx.NextAnnotationID(),
		ImageID:      imageID,
		CategoryID:   categoryID,
		BBox:         bbox.COCO(),
		Area:         bbox.Area(),
		Segmentation: Segmentation(shape),
		IsCrowd:      0,
	}

	job := types.RegionExtractionJob{
		ImageID:   imageID,
		ImagePath: imagePath,
		Label:     shape.Label,
		ShapeType: shape.ShapeType,
		Points:    shape.Points,
		BBox:      bbox,
		Mask:      shape.Mask,
		Index:     ctx.NextInstance(imagePath, shape.Label),
	}
	return ann, job
}

// Segmentation flattens a polygon's vertices into a single COCO ring.
// Rectangles have no intrinsic boundary and get an empty segmentation.
func Segmentation(shape types.Shape) [][]float64 {
	if shape.ShapeType == types.Rectangle {
		return [][]float64{}
	}
	ring := make([]float64, 0, 2*len(shape.Points))
	for _, p := range shape.Points {
		ring = append(ring, p.X(), p.Y())
	}
	return [][]float64{ring}
}
