package datasetexporter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/dataset-exporter/internal/config"
	"github.com/menta2k/dataset-exporter/pkg/converter"
	"github.com/menta2k/dataset-exporter/pkg/types"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 200, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeFile(t *testing.T, p string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

// labelsFixture writes a labels directory with three records: a.json with two
// cats and a dog, b.json carrying its image inline, and c.json whose image is missing
func labelsFixture(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.png"), pngBytes(t, 100, 80))

	writeFile(t, filepath.Join(dir, "a.json"), []byte(`{
  "version": "5.4.1",
  "imagePath": "a.png",
  "imageWidth": 100,
  "imageHeight": 80,
  "shapes": [
    {"label": "cat", "points": [[10,10],[40,10],[25,30]], "shape_type": "polygon"},
    {"label": "dog", "points": [[10,10],[50,40]], "shape_type": "rectangle"},
    {"label": "cat", "points": [[60,50],[90,50],[75,70]], "shape_type": "polygon"}
  ],
  "reviewer": "lee"
}`))

	b64 := base64.StdEncoding.EncodeToString(pngBytes(t, 30, 20))
	writeFile(t, filepath.Join(dir, "b.json"), []byte(`{
  "imagePath": "b.png",
  "imageData": "`+b64+`",
  "shapes": [{"label": "bird", "points": [[5,5],[5,5]]}]
}`))

	writeFile(t, filepath.Join(dir, "c.json"), []byte(`{
  "imagePath": "missing.png",
  "shapes": [{"label": "cat", "points": [[1,1],[4,1],[2,3]]}]
}`))
	writeFile(t, filepath.Join(dir, "broken.json"), []byte(`{"imagePath":`))
	return dir
}

func newTestExporter(root string) *Exporter {
	opts := DefaultOptions(root, "set")
	opts.ArchiveOpts.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return NewWithOptions(opts, nil)
}

func archiveEntries(t *testing.T, p string) []string {
	t.Helper()
	zr, err := zip.OpenReader(p)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestExportDir(t *testing.T) {
	labels := labelsFixture(t)
	root := t.TempDir()

	summary, err := newTestExporter(root).ExportDir(labels)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Images)
	assert.Equal(t, 4, summary.Annotations)
	assert.Equal(t, 3, summary.Categories)
	assert.Equal(t, 4, summary.Crops)
	assert.Zero(t, summary.SkippedJobs)
	require.Len(t, summary.SkippedImages, 1)
	assert.Equal(t, "missing.png", summary.SkippedImages[0].ImagePath)
	assert.ErrorIs(t, summary.SkippedImages[0].Err, types.ErrImageUnreadable)
	assert.Equal(t, []string{filepath.Join(labels, "broken.json")}, summary.SkippedRecords)

	data, err := os.ReadFile(filepath.Join(root, "annotations", "coco", "set_coco.json"))
	require.NoError(t, err)
	var d converter.Descriptor
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, []converter.Category{{ID: 1, Name: "cat"}, {ID: 2, Name: "dog"}, {ID: 3, Name: "bird"}}, d.Categories)
	assert.Equal(t, [4]float64{10, 10, 40, 30}, d.Annotations[1].BBox)
	assert.Equal(t, 1200.0, d.Annotations[1].Area)
	assert.Equal(t, 30, d.Images[1].Width, "decoded size of the inline image")

	for _, rel := range []string{
		"images/cat/a_cat_1.png",
		"images/cat/a_cat_2.png",
		"images/dog/a_dog_1.png",
		"images/bird/b_bird_1.png",
		"origins/images/a.png",
		"origins/images/b.png",
		"annotations/labelme_jsons/a.json",
		"annotations/labelme_jsons/b.json",
	} {
		assert.FileExists(t, filepath.Join(root, filepath.FromSlash(rel)))
	}
	assert.NoFileExists(t, filepath.Join(root, "annotations", "labelme_jsons", "missing.json"))

	// the pass-through copy keeps unknown keys
	copied, err := os.ReadFile(filepath.Join(root, "annotations", "labelme_jsons", "a.json"))
	require.NoError(t, err)
	assert.Contains(t, string(copied), `"reviewer": "lee"`)

	assert.Equal(t, filepath.Join(root, "archive", "set_20240501_120000.zip"), summary.ArchivePath)
	assert.Empty(t, summary.MissingRoots)
	entries := archiveEntries(t, summary.ArchivePath)
	assert.Contains(t, entries, "annotations/coco/set_coco.json")
	assert.Contains(t, entries, "images/cat/a_cat_2.png")
	assert.Contains(t, entries, "origins/images/b.png")
}

func TestExportIsDeterministic(t *testing.T) {
	labels := labelsFixture(t)
	first, second := t.TempDir(), t.TempDir()

	_, err := newTestExporter(first).ExportDir(labels)
	require.NoError(t, err)
	_, err = newTestExporter(second).ExportDir(labels)
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(first, "annotations", "coco", "set_coco.json"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(second, "annotations", "coco", "set_coco.json"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExportWithoutCropsArchivesRest(t *testing.T) {
	root := t.TempDir()
	opts := DefaultOptions(root, "empty")
	opts.CopyOrigins = false
	e := NewWithOptions(opts, nil)

	// a record with no shapes produces no crops and no images/ root
	rec := types.AnnotationRecord{ImagePath: "x.png", ImageData: pngBytes(t, 4, 4)}
	summary, err := e.Export([]types.AnnotationRecord{rec})
	require.NoError(t, err)

	assert.Zero(t, summary.Crops)
	assert.ElementsMatch(t, []string{"images", "origins/images"}, summary.MissingRoots)
	assert.Equal(t, []string{
		"annotations/coco/empty_coco.json",
		"annotations/labelme_jsons/x.json",
	}, archiveEntries(t, summary.ArchivePath))
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func catRecord(t *testing.T, imagePath string, shapes ...types.Shape) types.AnnotationRecord {
	t.Helper()
	if len(shapes) == 0 {
		shapes = []types.Shape{{Label: "cat", ShapeType: types.Rectangle, Points: []types.Point{{1, 1}, {8, 8}}}}
	}
	return types.AnnotationRecord{ImagePath: imagePath, ImageData: pngBytes(t, 10, 10), Shapes: shapes}
}

func TestExportSharedBaseNamesDoNotCollide(t *testing.T) {
	root := t.TempDir()
	summary, err := newTestExporter(root).Export([]types.AnnotationRecord{
		catRecord(t, "a/x.png"),
		catRecord(t, `b\x.png`),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Annotations)
	assert.Equal(t, 2, summary.Crops)
	assert.Equal(t, []string{"x_cat_1.png", "x_cat_2.png"}, listFiles(t, filepath.Join(root, "images", "cat")))
	assert.Equal(t, []string{"x.png", "x_2.png"}, listFiles(t, filepath.Join(root, "origins", "images")))
	assert.Equal(t, []string{"x.json", "x_2.json"}, listFiles(t, filepath.Join(root, "annotations", "labelme_jsons")))
}

func TestExportSkipsUnsupportedShapes(t *testing.T) {
	root := t.TempDir()
	rec := catRecord(t, "x.png",
		types.Shape{Label: "cat", ShapeType: types.Rectangle, Points: []types.Point{{1, 1}, {8, 8}}},
		types.Shape{Label: "tip", ShapeType: "point", Points: []types.Point{{3, 3}}},
	)
	summary, err := newTestExporter(root).Export([]types.AnnotationRecord{rec})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Annotations)
	assert.Equal(t, 1, summary.Crops)
	assert.Equal(t, 1, summary.SkippedShapes)
	assert.NoDirExists(t, filepath.Join(root, "images", "tip"))

	// the pass-through copy still carries the skipped shape
	copied, err := os.ReadFile(filepath.Join(root, "annotations", "labelme_jsons", "x.json"))
	require.NoError(t, err)
	assert.Contains(t, string(copied), `"shape_type": "point"`)
}

func TestExportCopiesCSVRecordsAsCSV(t *testing.T) {
	labels := t.TempDir()
	writeFile(t, filepath.Join(labels, "a.png"), pngBytes(t, 20, 20))
	writeFile(t, filepath.Join(labels, "a.csv"), []byte(
		"label,points,group_id,description,shape_type,flags,mask,imagePath\n"+
			`cat,"[[1,1],[9,9]]",,,rectangle,{},,a.png`+"\n"))
	root := t.TempDir()

	summary, err := newTestExporter(root).ExportDir(labels)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Crops)
	assert.Equal(t, []string{"a.csv"}, listFiles(t, filepath.Join(root, "annotations", "labelme_jsons")))
}

func TestExportReplacesPreviousRun(t *testing.T) {
	root := t.TempDir()
	two := catRecord(t, "x.png",
		types.Shape{Label: "cat", ShapeType: types.Rectangle, Points: []types.Point{{1, 1}, {8, 8}}},
		types.Shape{Label: "cat", ShapeType: types.Rectangle, Points: []types.Point{{2, 2}, {6, 6}}},
	)
	first, err := newTestExporter(root).Export([]types.AnnotationRecord{two, catRecord(t, "y.png")})
	require.NoError(t, err)
	require.Equal(t, 3, first.Crops)

	opts := DefaultOptions(root, "set")
	opts.ArchiveOpts.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC) }
	e := NewWithOptions(opts, nil)
	second, err := e.Export([]types.AnnotationRecord{catRecord(t, "x.png")})
	require.NoError(t, err)
	require.Equal(t, 1, second.Crops)

	assert.Equal(t, []string{"x_cat_1.png"}, listFiles(t, filepath.Join(root, "images", "cat")))
	assert.Equal(t, []string{"x.png"}, listFiles(t, filepath.Join(root, "origins", "images")))
	assert.NotContains(t, archiveEntries(t, second.ArchivePath), "images/cat/x_cat_2.png")
	assert.Len(t, listFiles(t, filepath.Join(root, "archive")), 2, "older archives stay on disk")

	// publishing sends the current archive only, from a clean stage
	stage := filepath.Join(t.TempDir(), "stage")
	writeFile(t, filepath.Join(stage, "data", "leftover.json"), []byte("{}"))
	remote := &memRemote{dirs: map[string]bool{"/": true}, files: map[string][]byte{}}
	_, err = e.Publish(context.Background(), remote, "/", stage)
	require.NoError(t, err)

	assert.Contains(t, remote.files, "/annotations/archives/set_set_20240501_120001.zip")
	assert.NotContains(t, remote.files, "/annotations/archives/set_set_20240501_120000.zip")
	assert.NotContains(t, remote.files, "/annotations/labelme_jsons/set_leftover.json")

	// a fresh exporter stages the newest archive on disk
	n, err := newTestExporter(root).Stage(filepath.Join(t.TempDir(), "stage"))
	require.NoError(t, err)
	assert.Equal(t, 5, n, "descriptor, record, origin, crop and the newest archive")
}

func TestExportWriteFailureAborts(t *testing.T) {
	root := t.TempDir()
	// a file where the annotations directory should be
	writeFile(t, filepath.Join(root, "annotations"), []byte("x"))

	rec := types.AnnotationRecord{ImagePath: "x.png", ImageData: pngBytes(t, 4, 4)}
	_, err := New(root, "set").Export([]types.AnnotationRecord{rec})
	assert.ErrorIs(t, err, types.ErrWriteFailure)
}

// memRemote is an in-memory remote store
type memRemote struct {
	dirs   map[string]bool
	files  map[string][]byte
	mkdirs int
}

func (m *memRemote) DirectoryExists(_ context.Context, dir string) (bool, error) {
	return m.dirs[dir], nil
}

func (m *memRemote) MakeDir(_ context.Context, dir string) error {
	m.dirs[dir] = true
	m.mkdirs++
	return nil
}

func (m *memRemote) ChangeDir(_ context.Context, dir string) error {
	if !m.dirs[dir] {
		return errors.New("550")
	}
	return nil
}

func (m *memRemote) Store(_ context.Context, p string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.files[p] = data
	return nil
}

func (m *memRemote) Close() error { return nil }

func TestPublish(t *testing.T) {
	labels := labelsFixture(t)
	root := t.TempDir()
	e := newTestExporter(root)
	_, err := e.ExportDir(labels)
	require.NoError(t, err)

	remote := &memRemote{dirs: map[string]bool{"/": true, "/ds": true}, files: map[string][]byte{}}
	res, err := e.Publish(context.Background(), remote, "/ds", filepath.Join(t.TempDir(), "stage"))
	require.NoError(t, err)
	assert.Empty(t, res.Failed)

	var uploaded []string
	for p := range remote.files {
		uploaded = append(uploaded, p)
	}
	sort.Strings(uploaded)
	assert.Equal(t, []string{
		"/ds/annotations/archives/set_set_20240501_120000.zip",
		"/ds/annotations/labelme_jsons/set_a.json",
		"/ds/annotations/labelme_jsons/set_b.json",
		"/ds/annotations/set_set_coco_annotation.json",
		"/ds/images/bird/set_b_bird_1.png",
		"/ds/images/cat/set_a_cat_1.png",
		"/ds/images/cat/set_a_cat_2.png",
		"/ds/images/dog/set_a_dog_1.png",
		"/ds/origins/images/set_a.png",
		"/ds/origins/images/set_b.png",
	}, uploaded)

	// publishing again creates no directories
	remote.mkdirs = 0
	_, err = e.Publish(context.Background(), remote, "/ds", filepath.Join(t.TempDir(), "stage"))
	require.NoError(t, err)
	assert.Zero(t, remote.mkdirs)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Export.Root = "/out"
	cfg.Export.Name = "n"
	cfg.Cropper.Format = "WEBP"
	cfg.Cropper.AlphaThreshold = 200
	cfg.Archive.Enabled = false

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "/out", opts.ExportRoot)
	assert.Equal(t, "n", opts.Name)
	assert.Equal(t, "webp", opts.Crop.Format)
	assert.Equal(t, uint8(200), opts.Crop.AlphaThreshold)
	assert.False(t, opts.Archive)
	assert.Equal(t, cfg.Archive.TimestampLayout, opts.ArchiveOpts.TimestampLayout)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}
