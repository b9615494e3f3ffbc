package cropper

import (
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/image/vector"

	"github.com/menta2k/dataset-exporter/internal/utils"
	"github.com/menta2k/dataset-exporter/pkg/processing"
	"github.com/menta2k/dataset-exporter/pkg/types"
)

// ImagesDir is the directory under the export root holding label partitions
const ImagesDir = "images"

// RegionExtractor cuts labeled regions out of source images and writes them
// as alpha-masked crops into a label-partitioned directory tree
type RegionExtractor struct {
	processor  *processing.Processor
	config     CropConfig
	exportRoot string
	logger     types.Logger
}

// CropConfig holds configuration for region extraction
type CropConfig struct {
	// Format is the output encoding: png (default) or webp.
	Format   string
	Quality  int
	Lossless bool
	// AlphaThreshold is the minimum rasterized coverage (0-255) for a pixel to count as inside.
	AlphaThreshold uint8
}

// DefaultCropConfig returns the default extraction settings
func DefaultCropConfig() CropConfig {
	return CropConfig{
		Format:         "png",
		Quality:        90,
		Lossless:       true,
		AlphaThreshold: 128,
	}
}

// New creates a RegionExtractor writing below exportRoot with default configuration
func New(exportRoot string) *RegionExtractor {
	return NewWithConfig(exportRoot, DefaultCropConfig(), nil)
}

// NewWithConfig creates a RegionExtractor with custom configuration
func NewWithConfig(exportRoot string, config CropConfig, logger types.Logger) *RegionExtractor {
	if config.Format == "" {
		config.Format = "png"
	}
	if config.AlphaThreshold == 0 {
		config.AlphaThreshold = 128
	}
	return &RegionExtractor{
		processor:  processing.NewProcessor(),
		config:     config,
		exportRoot: exportRoot,
		logger:     types.OrNop(logger),
	}
}

// LabelDir returns the partition directory for a label
func (e *RegionExtractor) LabelDir(label string) string {
	return filepath.Join(e.exportRoot, ImagesDir, utils.SanitizeFilename(label))
}

// OutputPath returns <root>/images/<label>/<imageBase>_<label>_<index>.<ext> for a job
func (e *RegionExtractor) OutputPath(job types.RegionExtractionJob) string {
	label := utils.SanitizeFilename(job.Label)
	name := fmt.Sprintf("%s_%s_%d%s", utils.SanitizeFilename(utils.BaseName(job.ImagePath)), label, job.Index,
		processing.FormatExtension(e.config.Format))
	return filepath.Join(e.LabelDir(job.Label), name)
}

// Extract crops one job out of src and writes it. The returned error wraps
// types.ErrImageUnreadable when src is missing and types.ErrWriteFailure when
// the crop could not be written.
func (e *RegionExtractor) Extract(job types.RegionExtractionJob, src image.Image) (string, error) {
	if src == nil {
		return "", fmt.Errorf("%w: %s", types.ErrImageUnreadable, job.ImagePath)
	}

	crop := e.Crop(job, src)

	dir := e.LabelDir(job.Label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrWriteFailure, err)
	}
	path := e.OutputPath(job)
	if err := e.processor.SaveImage(crop, path, e.config.Format, e.config.Quality, e.config.Lossless); err != nil {
		return "", fmt.Errorf("%w: %s: %v", types.ErrWriteFailure, path, err)
	}
	e.logger.Debugf("wrote %s (%dx%d)", path, crop.Bounds().Dx(), crop.Bounds().Dy())
	return path, nil
}

// Crop returns the bbox footprint of src with every pixel outside the shape
// made fully transparent. The footprint is at least one pixel; a footprint
// falling outside the image is fully transparent.
func (e *RegionExtractor) Crop(job types.RegionExtractionJob, src image.Image) *image.NRGBA {
	rect := job.BBox.PixelRect()
	clip := rect.Intersect(src.Bounds())
	if clip.Empty() {
		return image.NewNRGBA(image.Rect(0, 0, 1, 1))
	}

	cropped := imaging.Crop(src, clip)
	mask := e.Mask(job, rect, clip)
	applyMask(cropped, mask)
	return cropped
}

// Mask builds the coverage mask of a job over clip, in clip-local coordinates.
// rect is the job's full pixel footprint, which a precomputed mask must match.
func (e *RegionExtractor) Mask(job types.RegionExtractionJob, rect, clip image.Rectangle) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, clip.Dx(), clip.Dy()))

	if job.Mask != nil {
		if job.Mask.Bounds().Size() == rect.Size() {
			off := clip.Min.Sub(rect.Min).Add(job.Mask.Bounds().Min)
			draw.Draw(mask, mask.Bounds(), job.Mask, off, draw.Src)
			return mask
		}
		e.logger.Warnf("%s: mask of %q is %v, footprint is %v; rasterizing points instead",
			job.ImagePath, job.Label, job.Mask.Bounds().Size(), rect.Size())
	}

	switch job.ShapeType {
	case types.Rectangle:
		for i := range mask.Pix {
			mask.Pix[i] = 0xff
		}
	default:
		e.rasterizePolygon(mask, job.Points, clip.Min)
	}
	return mask
}

// rasterizePolygon fills the closed ring of points into mask, shifted by -origin.
// Rings with fewer than three vertices cover nothing.
func (e *RegionExtractor) rasterizePolygon(mask *image.Alpha, points []types.Point, origin image.Point) {
	if len(points) < 3 {
		return
	}
	b := mask.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.DrawOp = draw.Src

	ox, oy := float64(origin.X), float64(origin.Y)
	z.MoveTo(float32(points[0].X()-ox), float32(points[0].Y()-oy))
	for _, p := range points[1:] {
		z.LineTo(float32(p.X()-ox), float32(p.Y()-oy))
	}
	z.ClosePath()
	z.Draw(mask, b, image.Opaque, image.Point{})

	for i, a := range mask.Pix {
		if a >= e.config.AlphaThreshold {
			mask.Pix[i] = 0xff
		} else {
			mask.Pix[i] = 0
		}
	}
}

// applyMask scales the alpha of img by mask. Both share the same origin and size.
func applyMask(img *image.NRGBA, mask *image.Alpha) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		mrow := mask.Pix[y*mask.Stride:]
		for x := 0; x < b.Dx(); x++ {
			a := uint16(row[x*4+3])
			m := uint16(mrow[x])
			row[x*4+3] = uint8(a * m / 0xff)
		}
	}
}
