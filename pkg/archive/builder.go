// Package archive packs the logical roots of an export into one zip file.
package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/menta2k/dataset-exporter/pkg/types"
)

// Logical root names used inside the archive
const (
	RootOrigins     = "origins/images"
	RootImages      = "images"
	RootAnnotations = "annotations"
)

// DefaultTimestampLayout is the layout of the timestamp embedded in archive names
const DefaultTimestampLayout = "20060102_150405"

// Manifest maps logical root names to directories on disk
type Manifest map[string]string

// Roots returns the manifest's root names in lexical order
func (m Manifest) Roots() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StandardManifest returns the manifest of an export root laid out as
// origins/images, images and annotations
func StandardManifest(exportRoot string) Manifest {
	return Manifest{
		RootOrigins:     filepath.Join(exportRoot, "origins", "images"),
		RootImages:      filepath.Join(exportRoot, "images"),
		RootAnnotations: filepath.Join(exportRoot, "annotations"),
	}
}

// Options configures a Builder
type Options struct {
	// Level is the deflate level, flate.NoCompression through flate.BestCompression.
	Level           int
	TimestampLayout string
	// Now supplies the archive timestamp; time.Now when nil.
	Now func() time.Time
}

// DefaultOptions returns the default archive options
func DefaultOptions() Options {
	return Options{
		Level:           flate.DefaultCompression,
		TimestampLayout: DefaultTimestampLayout,
	}
}

// Builder writes export archives
type Builder struct {
	opts   Options
	logger types.Logger
	now    func() time.Time
}

// Result describes a built archive
type Result struct {
	Path    string
	Entries []string
	// Missing lists the logical roots that were declared but not found on disk.
	Missing []string
}

// New creates a Builder with default options
func New(logger types.Logger) *Builder {
	return NewWithOptions(DefaultOptions(), logger)
}

// NewWithOptions creates a Builder with custom options
func NewWithOptions(opts Options, logger types.Logger) *Builder {
	if opts.TimestampLayout == "" {
		opts.TimestampLayout = DefaultTimestampLayout
	}
	if opts.Level < flate.HuffmanOnly || opts.Level > flate.BestCompression {
		opts.Level = flate.DefaultCompression
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{opts: opts, logger: types.OrNop(logger), now: now}
}

// FileName returns the archive file name for a dataset at t
func (b *Builder) FileName(name string, t time.Time) string {
	return fmt.Sprintf("%s_%s.zip", name, t.Format(b.opts.TimestampLayout))
}

// Build writes <destDir>/<name>_<timestamp>.zip holding every file under the
// manifest's roots at <root>/<relative path>. Roots missing from disk are
// skipped with a warning. Any local I/O error wraps types.ErrWriteFailure.
func (b *Builder) Build(manifest Manifest, destDir, name string) (Result, error) {
	var res Result

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return res, fmt.Errorf("%w: create archive directory: %v", types.ErrWriteFailure, err)
	}
	res.Path = filepath.Join(destDir, b.FileName(name, b.now()))

	f, err := os.Create(res.Path)
	if err != nil {
		return res, fmt.Errorf("%w: create archive: %v", types.ErrWriteFailure, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	level := b.opts.Level
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	for _, root := range manifest.Roots() {
		dir := manifest[root]
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			b.logger.Warnf("archive root %s (%s) not found, skipping", root, dir)
			res.Missing = append(res.Missing, root)
			continue
		}

		entries, err := b.addTree(zw, root, dir)
		res.Entries = append(res.Entries, entries...)
		if err != nil {
			zw.Close()
			return res, err
		}
	}

	if err := zw.Close(); err != nil {
		return res, fmt.Errorf("%w: finish archive: %v", types.ErrWriteFailure, err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("%w: close archive: %v", types.ErrWriteFailure, err)
	}

	b.logger.Infof("wrote archive %s with %d entries", res.Path, len(res.Entries))
	return res, nil
}

// addTree adds every regular file below dir in lexical walk order
func (b *Builder) addTree(zw *zip.Writer, root, dir string) ([]string, error) {
	var added []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(root, filepath.ToSlash(rel))
		if err := addFile(zw, name, p); err != nil {
			return err
		}
		added = append(added, name)
		return nil
	})
	if err != nil {
		return added, fmt.Errorf("%w: archive %s: %v", types.ErrWriteFailure, root, err)
	}
	return added, nil
}

func addFile(zw *zip.Writer, name, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}
