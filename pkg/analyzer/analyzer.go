package analyzer

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/menta2k/dataset-exporter/internal/utils"
	"github.com/menta2k/dataset-exporter/pkg/processing"
	"github.com/menta2k/dataset-exporter/pkg/types"
)

// SourceAnalyzer locates and decodes the source image behind an annotation
// record and checks it meets minimum requirements
type SourceAnalyzer struct {
	config    Config
	processor *processing.Processor
	cache     *processing.ImageCache
	logger    types.Logger
}

// Config holds configuration for source image resolution
type Config struct {
	// ImageRoot is the directory imagePath is relative to. When empty, the
	// directory of the record file is used.
	ImageRoot        string
	SupportedFormats []string
	MinImageSize     int
	CacheSize        int
}

// DefaultConfig returns the default source configuration
func DefaultConfig() Config {
	return Config{
		SupportedFormats: []string{"jpg", "jpeg", "png", "webp", "bmp", "gif", "tiff"},
		MinImageSize:     1,
		CacheSize:        8,
	}
}

// New creates a SourceAnalyzer resolving paths below imageRoot
func New(imageRoot string) *SourceAnalyzer {
	cfg := DefaultConfig()
	cfg.ImageRoot = imageRoot
	return NewWithConfig(cfg, nil)
}

// NewWithConfig creates a SourceAnalyzer with custom configuration
func NewWithConfig(config Config, logger types.Logger) *SourceAnalyzer {
	processor := processing.NewProcessor()
	return &SourceAnalyzer{
		config:    config,
		processor: processor,
		cache:     processing.NewImageCache(processor, config.CacheSize),
		logger:    types.OrNop(logger),
	}
}

// ResolvePath returns the file a record's imagePath points at
func (a *SourceAnalyzer) ResolvePath(rec types.AnnotationRecord) string {
	rel := filepath.FromSlash(strings.ReplaceAll(rec.ImagePath, "\\", "/"))
	if filepath.IsAbs(rel) {
		return rel
	}
	root := a.config.ImageRoot
	if root == "" && rec.Source != "" {
		root = filepath.Dir(rec.Source)
	}
	return filepath.Join(root, rel)
}

// ResolveImage decodes the record's image, preferring embedded imageData over
// the file on disk. Failures wrap types.ErrImageUnreadable.
func (a *SourceAnalyzer) ResolveImage(rec types.AnnotationRecord) (image.Image, error) {
	var (
		img image.Image
		err error
	)
	if len(rec.ImageData) > 0 {
		img, err = a.processor.DecodeBytes(rec.ImageData)
		if err != nil {
			return nil, fmt.Errorf("%w: embedded image of %s: %v", types.ErrImageUnreadable, rec.ImagePath, err)
		}
	} else {
		path := a.ResolvePath(rec)
		if !a.isFormatSupported(utils.GetFileExtension(path)) {
			return nil, fmt.Errorf("%w: unsupported image format: %s", types.ErrImageUnreadable, path)
		}
		img, err = a.cache.LoadImage(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrImageUnreadable, err)
		}
	}

	if err := a.ValidateImage(img); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrImageUnreadable, rec.ImagePath, err)
	}
	a.logger.Debugf("resolved %s (%dx%d)", rec.ImagePath, img.Bounds().Dx(), img.Bounds().Dy())
	return img, nil
}

func (a *SourceAnalyzer) isFormatSupported(format string) bool {
	if len(a.config.SupportedFormats) == 0 {
		return true
	}
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets minimum requirements
func (a *SourceAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)",
			bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	return nil
}

// CacheLen returns the number of decoded images held in the cache
func (a *SourceAnalyzer) CacheLen() int {
	return a.cache.Len()
}
