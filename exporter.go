// Package datasetexporter turns labelme polygon annotations into a COCO
// dataset, alpha-masked region crops and a transfer archive, and publishes the
// result to a remote file store.
//
// Basic usage:
//
//	package main
//
//	import (
//		"fmt"
//		"log"
//
//		datasetexporter "github.com/menta2k/dataset-exporter"
//	)
//
//	func main() {
//		exp := datasetexporter.New("./export", "birds")
//
//		summary, err := exp.ExportDir("./labels")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("%d images, %d annotations, %d crops\n",
//			summary.Images, summary.Annotations, summary.Crops)
//	}
//
// An export run goes through four stages, each finishing before the next:
//
// 1. Annotation store (pkg/annotation): reads labelme JSON and CSV records
// 2. Converter (pkg/converter): assigns dense IDs and builds the COCO descriptor
// 3. Cropper (pkg/cropper): writes one masked crop per shape under images/<label>/
// 4. Archive (pkg/archive): packs origins/images, images and annotations into one zip
//
// The export root then looks like this:
//
//	annotations/coco/<name>_coco.json
//	annotations/labelme_jsons/*.json
//	images/<label>/<image>_<label>_<n>.png
//	origins/images/*
//	archive/<name>_<timestamp>.zip
//
// Stage and Publish copy that tree into the data/ + image/ layout and upload
// it with pkg/publisher over any client.RemoteClient, such as pkg/ftp.
package datasetexporter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/menta2k/dataset-exporter/internal/config"
	"github.com/menta2k/dataset-exporter/internal/utils"
	"github.com/menta2k/dataset-exporter/pkg/analyzer"
	"github.com/menta2k/dataset-exporter/pkg/annotation"
	"github.com/menta2k/dataset-exporter/pkg/archive"
	"github.com/menta2k/dataset-exporter/pkg/client"
	"github.com/menta2k/dataset-exporter/pkg/converter"
	"github.com/menta2k/dataset-exporter/pkg/cropper"
	"github.com/menta2k/dataset-exporter/pkg/processing"
	"github.com/menta2k/dataset-exporter/pkg/publisher"
	"github.com/menta2k/dataset-exporter/pkg/types"
)

// Version of the dataset exporter library
const Version = "1.0.0"

// Options configures an Exporter
type Options struct {
	ExportRoot  string
	Name        string
	ImageRoot   string
	CopyOrigins bool
	CopyRecords bool
	Archive     bool
	CacheSize   int
	Crop        cropper.CropConfig
	ArchiveOpts archive.Options
}

// DefaultOptions returns options writing a full export below exportRoot
func DefaultOptions(exportRoot, name string) Options {
	return Options{
		ExportRoot:  exportRoot,
		Name:        name,
		CopyOrigins: true,
		CopyRecords: true,
		Archive:     true,
		CacheSize:   8,
		Crop:        cropper.DefaultCropConfig(),
		ArchiveOpts: archive.DefaultOptions(),
	}
}

// OptionsFromConfig maps the application configuration onto exporter options
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions(cfg.Export.Root, cfg.Export.Name)
	opts.ImageRoot = cfg.Export.ImageRoot
	opts.CopyOrigins = cfg.Export.CopyOrigins
	opts.CopyRecords = cfg.Export.CopyRecords
	opts.CacheSize = cfg.Export.CacheSize
	opts.Archive = cfg.Archive.Enabled
	opts.Crop = cropper.CropConfig{
		Format:         strings.ToLower(cfg.Cropper.Format),
		Quality:        cfg.Cropper.Quality,
		Lossless:       cfg.Cropper.Lossless,
		AlphaThreshold: uint8(cfg.Cropper.AlphaThreshold),
	}
	opts.ArchiveOpts = archive.Options{
		Level:           cfg.Archive.CompressionLevel,
		TimestampLayout: cfg.Archive.TimestampLayout,
	}
	return opts
}

// Exporter runs the export pipeline for one dataset
type Exporter struct {
	opts      Options
	logger    types.Logger
	source    *analyzer.SourceAnalyzer
	converter *converter.Converter
	extractor *cropper.RegionExtractor
	archiver  *archive.Builder

	// archivePath is the archive built by the last Export, if any.
	archivePath string
	exported    bool
}

// Summary reports the outcome of an export run
type Summary struct {
	Images         int
	Annotations    int
	Categories     int
	Crops          int
	SkippedRecords []string
	SkippedImages  []converter.SkippedRecord
	SkippedShapes  int
	SkippedJobs    int
	DescriptorPath string
	ArchivePath    string
	// MissingRoots lists archive roots that had no files on disk.
	MissingRoots []string
}

// New creates an Exporter with default options
func New(exportRoot, name string) *Exporter {
	return NewWithOptions(DefaultOptions(exportRoot, name), nil)
}

// NewWithOptions creates an Exporter with custom options
func NewWithOptions(opts Options, logger types.Logger) *Exporter {
	logger = types.OrNop(logger)

	srcCfg := analyzer.DefaultConfig()
	srcCfg.ImageRoot = opts.ImageRoot
	if opts.CacheSize > 0 {
		srcCfg.CacheSize = opts.CacheSize
	}
	source := analyzer.NewWithConfig(srcCfg, logger)

	return &Exporter{
		opts:      opts,
		logger:    logger,
		source:    source,
		converter: converter.New(source, logger),
		extractor: cropper.NewWithConfig(opts.ExportRoot, opts.Crop, logger),
		archiver:  archive.NewWithOptions(opts.ArchiveOpts, logger),
	}
}

// DescriptorPath returns where the COCO descriptor is written
func (e *Exporter) DescriptorPath() string {
	return filepath.Join(e.opts.ExportRoot, "annotations", "coco", e.opts.Name+"_coco.json")
}

// LoadRecords reads every annotation record in dir. Unreadable files are
// returned in skipped rather than as an error.
func (e *Exporter) LoadRecords(dir string) (records []types.AnnotationRecord, skipped []string, err error) {
	store := annotation.NewStore(e.logger)
	if _, err := store.LoadDir(dir); err != nil {
		return nil, nil, err
	}
	return store.Records(), store.Skipped(), nil
}

// ExportDir loads the records in dir and exports them
func (e *Exporter) ExportDir(dir string) (Summary, error) {
	records, skipped, err := e.LoadRecords(dir)
	if err != nil {
		return Summary{}, err
	}
	summary, err := e.Export(records)
	summary.SkippedRecords = append(skipped, summary.SkippedRecords...)
	return summary, err
}

// generatedDirs are rewritten by every Export, relative to the export root
var generatedDirs = []string{
	filepath.Join("annotations", "coco"),
	filepath.Join("annotations", "labelme_jsons"),
	"images",
	filepath.Join("origins", "images"),
}

// Export converts records, writes the descriptor, pass-through copies and
// region crops, then builds the archive. Output left by an earlier run is
// removed first; archives of earlier runs are kept. Unreadable images are
// skipped and reported; any local write failure aborts the run and leaves
// partial output.
func (e *Exporter) Export(records []types.AnnotationRecord) (Summary, error) {
	var summary Summary
	e.exported, e.archivePath = true, ""

	if err := e.resetOutputs(); err != nil {
		return summary, err
	}

	res := e.converter.Convert(records)
	summary.Images = len(res.Descriptor.Images)
	summary.Annotations = len(res.Descriptor.Annotations)
	summary.Categories = len(res.Descriptor.Categories)
	summary.SkippedImages = res.Skipped
	summary.SkippedShapes = res.SkippedShapes

	if err := res.Descriptor.Validate(); err != nil {
		return summary, fmt.Errorf("invalid descriptor: %w", err)
	}
	summary.DescriptorPath = e.DescriptorPath()
	if err := res.Descriptor.WriteFile(summary.DescriptorPath); err != nil {
		return summary, err
	}

	// records in image ID order
	kept := make([]types.AnnotationRecord, 0, len(res.Descriptor.Images))
	for _, img := range res.Descriptor.Images {
		kept = append(kept, res.Records[img.ID])
	}
	stems := uniqueStems(kept)

	if e.opts.CopyRecords {
		if err := e.copyRecords(kept, stems); err != nil {
			return summary, err
		}
	}
	if e.opts.CopyOrigins {
		if err := e.copyOrigins(kept, stems); err != nil {
			return summary, err
		}
	}

	batch, err := e.extractor.ExtractAll(res.Jobs, func(job types.RegionExtractionJob) (image.Image, error) {
		return e.source.ResolveImage(res.Records[job.ImageID])
	})
	summary.Crops = len(batch.Written)
	summary.SkippedJobs = len(batch.Skipped)
	if err != nil {
		return summary, err
	}

	if e.opts.Archive {
		built, err := e.archiver.Build(archive.StandardManifest(e.opts.ExportRoot),
			filepath.Join(e.opts.ExportRoot, "archive"), e.opts.Name)
		if err != nil {
			return summary, err
		}
		summary.ArchivePath = built.Path
		summary.MissingRoots = built.Missing
		e.archivePath = built.Path
	}

	e.logger.Debugf("image cache holds %d decoded images", e.source.CacheLen())
	e.logger.Infof("export %s: %d images, %d annotations, %d categories, %d crops (%d images, %d shapes and %d jobs skipped)",
		e.opts.Name, summary.Images, summary.Annotations, summary.Categories, summary.Crops,
		len(summary.SkippedImages), summary.SkippedShapes, summary.SkippedJobs)
	return summary, nil
}

// resetOutputs removes the folders a previous run generated
func (e *Exporter) resetOutputs() error {
	for _, dir := range generatedDirs {
		p := filepath.Join(e.opts.ExportRoot, dir)
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("%w: clear %s: %v", types.ErrWriteFailure, p, err)
		}
	}
	return nil
}

// uniqueStems names each record's pass-through copies. The first image with a
// given base name keeps it; later ones get _2, _3 and so on.
func uniqueStems(records []types.AnnotationRecord) []string {
	used := make(map[string]bool, len(records))
	stems := make([]string, len(records))
	for i, rec := range records {
		base := utils.SanitizeFilename(utils.BaseName(rec.ImagePath))
		stem := base
		for n := 2; used[stem]; n++ {
			stem = fmt.Sprintf("%s_%d", base, n)
		}
		used[stem] = true
		stems[i] = stem
	}
	return stems
}

// copyRecords writes each record into annotations/labelme_jsons, as CSV when
// it was read from CSV and as labelme JSON otherwise
func (e *Exporter) copyRecords(records []types.AnnotationRecord, stems []string) error {
	dir := filepath.Join(e.opts.ExportRoot, "annotations", "labelme_jsons")
	for i, rec := range records {
		var buf bytes.Buffer
		ext := ".json"
		var err error
		if strings.EqualFold(filepath.Ext(rec.Source), ".csv") {
			ext = ".csv"
			err = annotation.EncodeCSV(&buf, rec)
		} else {
			var data []byte
			data, err = annotation.Encode(rec)
			buf.Write(data)
		}
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", types.ErrWriteFailure, rec.ImagePath, err)
		}
		path := filepath.Join(dir, stems[i]+ext)
		if err := utils.WriteFile(path, buf.Bytes()); err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrWriteFailure, path, err)
		}
	}
	return nil
}

// copyOrigins copies each source image into origins/images. Embedded image
// data is written out as-is.
func (e *Exporter) copyOrigins(records []types.AnnotationRecord, stems []string) error {
	dir := filepath.Join(e.opts.ExportRoot, "origins", "images")
	for i, rec := range records {
		name := filepath.Base(filepath.FromSlash(strings.ReplaceAll(rec.ImagePath, "\\", "/")))
		dst := filepath.Join(dir, stems[i]+filepath.Ext(name))

		var err error
		if len(rec.ImageData) > 0 {
			err = utils.WriteFile(dst, rec.ImageData)
		} else {
			err = utils.CopyFile(e.source.ResolvePath(rec), dst)
		}
		if err != nil {
			return fmt.Errorf("%w: origin %s: %v", types.ErrWriteFailure, dst, err)
		}
	}
	return nil
}

// Stage rebuilds stageDir as the data/ + image/ layout of the export root.
// Only the archive of the latest run is staged: the one this Exporter built,
// or the newest archive on disk when it has not exported yet.
func (e *Exporter) Stage(stageDir string) (int, error) {
	archivePath := e.archivePath
	if !e.exported {
		archivePath = e.latestArchive()
	}
	var archives []string
	if archivePath != "" {
		archives = append(archives, archivePath)
	}

	n, err := publisher.Stage(e.opts.ExportRoot, stageDir, archives...)
	if err != nil {
		return n, err
	}
	e.logger.Infof("staged %d files in %s", n, stageDir)
	return n, nil
}

// latestArchive returns the newest <name>_<timestamp>.zip in the export's
// archive folder, or "" when there is none
func (e *Exporter) latestArchive() string {
	dir := filepath.Join(e.opts.ExportRoot, "archive")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	latest := ""
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, e.opts.Name+"_") && strings.HasSuffix(name, ".zip") && name > latest {
			latest = name
		}
	}
	if latest == "" {
		return ""
	}
	return filepath.Join(dir, latest)
}

// Publish stages the export into stageDir and uploads it below basePath.
// Upload failures are reported in the result, not as an error.
func (e *Exporter) Publish(ctx context.Context, remote client.RemoteClient, basePath, stageDir string) (publisher.Result, error) {
	if _, err := e.Stage(stageDir); err != nil {
		return publisher.Result{}, err
	}

	exts := append([]string{}, publisher.DefaultRasterExtensions...)
	exts = append(exts, strings.TrimPrefix(processing.FormatExtension(e.opts.Crop.Format), "."))
	pub := publisher.New(remote, basePath, publisher.NewRouter(exts...), e.logger)
	return pub.Publish(ctx, stageDir, e.opts.Name)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
