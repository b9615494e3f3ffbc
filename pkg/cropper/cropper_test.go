package cropper

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/dataset-exporter/pkg/processing"
	"github.com/menta2k/dataset-exporter/pkg/types"
)

// createTestImage creates an opaque image whose pixel colour encodes its position
func createTestImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return img
}

func polygonJob(label string, index int, pts ...types.Point) types.RegionExtractionJob {
	return types.RegionExtractionJob{
		ImageID:   1,
		ImagePath: "photos/scene.jpg",
		Label:     label,
		ShapeType: types.Polygon,
		Points:    pts,
		BBox:      types.BoundsOf(pts),
		Index:     index,
	}
}

func rectangleJob(label string, a, b types.Point) types.RegionExtractionJob {
	pts := []types.Point{a, b}
	return types.RegionExtractionJob{
		ImageID:   1,
		ImagePath: "scene.png",
		Label:     label,
		ShapeType: types.Rectangle,
		Points:    pts,
		BBox:      types.BoundsOf(pts),
		Index:     1,
	}
}

func alphaAt(img image.Image, x, y int) uint32 {
	_, _, _, a := img.At(x, y).RGBA()
	return a
}

func TestNew(t *testing.T) {
	e := New("/tmp/export")
	if e == nil {
		t.Fatal("New() returned nil")
	}
	if e.config.Format != "png" {
		t.Errorf("Expected default format png, got %s", e.config.Format)
	}
	if e.config.AlphaThreshold != 128 {
		t.Errorf("Expected default alpha threshold 128, got %d", e.config.AlphaThreshold)
	}
}

func TestOutputPath(t *testing.T) {
	e := New("/export")
	job := polygonJob("cat", 2, types.Point{0, 0}, types.Point{4, 0}, types.Point{2, 3})

	want := filepath.Join("/export", "images", "cat", "scene_cat_2.png")
	if got := e.OutputPath(job); got != want {
		t.Errorf("OutputPath: got %s, want %s", got, want)
	}

	webp := NewWithConfig("/export", CropConfig{Format: "webp"}, nil)
	if got := webp.OutputPath(job); filepath.Ext(got) != ".webp" {
		t.Errorf("webp extension: got %s", got)
	}
}

func TestOutputPathSanitizesLabel(t *testing.T) {
	e := New("/export")
	job := polygonJob("a/b", 1, types.Point{0, 0}, types.Point{4, 0}, types.Point{2, 3})
	want := filepath.Join("/export", "images", "a_b", "scene_a_b_1.png")
	if got := e.OutputPath(job); got != want {
		t.Errorf("OutputPath: got %s, want %s", got, want)
	}
}

func TestCropRectangle(t *testing.T) {
	e := New(t.TempDir())
	img := createTestImage(100, 100)

	crop := e.Crop(rectangleJob("box", types.Point{10, 10}, types.Point{50, 40}), img)

	if crop.Bounds().Dx() != 40 || crop.Bounds().Dy() != 30 {
		t.Fatalf("dimensions: got %dx%d, want 40x30", crop.Bounds().Dx(), crop.Bounds().Dy())
	}
	for _, pt := range []image.Point{{0, 0}, {39, 29}, {20, 15}} {
		if a := alphaAt(crop, pt.X, pt.Y); a != 0xffff {
			t.Errorf("rectangle pixel %v should be opaque, alpha %d", pt, a)
		}
	}
	// crop pixel (0,0) is source pixel (10,10)
	if c := crop.NRGBAAt(0, 0); c.R != 10 || c.G != 10 {
		t.Errorf("crop origin maps to source (%d,%d), want (10,10)", c.R, c.G)
	}
}

func TestCropPolygonMasksOutside(t *testing.T) {
	e := New(t.TempDir())
	img := createTestImage(100, 100)

	// right triangle filling the lower-left half of a 40x40 box at (10,10)
	job := polygonJob("tri", 1, types.Point{10, 10}, types.Point{10, 50}, types.Point{50, 50})
	crop := e.Crop(job, img)

	if crop.Bounds().Dx() != 40 || crop.Bounds().Dy() != 40 {
		t.Fatalf("dimensions: got %dx%d, want 40x40", crop.Bounds().Dx(), crop.Bounds().Dy())
	}
	if a := alphaAt(crop, 2, 37); a != 0xffff {
		t.Errorf("pixel inside triangle should be opaque, alpha %d", a)
	}
	if a := alphaAt(crop, 37, 2); a != 0 {
		t.Errorf("pixel outside triangle should be transparent, alpha %d", a)
	}
	if c := crop.NRGBAAt(2, 37); c.R != 12 || c.G != 47 {
		t.Errorf("inside pixel should keep source colour, got %v", c)
	}
}

func TestCropDegenerate(t *testing.T) {
	e := New(t.TempDir())
	img := createTestImage(20, 20)

	crop := e.Crop(polygonJob("dot", 1, types.Point{5, 5}, types.Point{5, 5}), img)
	if crop.Bounds().Dx() != 1 || crop.Bounds().Dy() != 1 {
		t.Fatalf("degenerate crop should be 1x1, got %v", crop.Bounds())
	}
	if a := alphaAt(crop, 0, 0); a != 0 {
		t.Errorf("degenerate crop should be transparent, alpha %d", a)
	}
}

func TestCropOutsideImage(t *testing.T) {
	e := New(t.TempDir())
	img := createTestImage(20, 20)

	crop := e.Crop(rectangleJob("far", types.Point{100, 100}, types.Point{120, 130}), img)
	if crop.Bounds().Dx() != 1 || crop.Bounds().Dy() != 1 {
		t.Errorf("out-of-image crop should be 1x1, got %v", crop.Bounds())
	}

	// partially outside: clipped to the image
	crop = e.Crop(rectangleJob("edge", types.Point{15, 15}, types.Point{30, 30}), img)
	if crop.Bounds().Dx() != 5 || crop.Bounds().Dy() != 5 {
		t.Errorf("clipped crop should be 5x5, got %v", crop.Bounds())
	}
}

func TestCropUsesPrecomputedMask(t *testing.T) {
	e := New(t.TempDir())
	img := createTestImage(50, 50)

	job := rectangleJob("m", types.Point{10, 10}, types.Point{14, 12})
	job.Mask = image.NewAlpha(image.Rect(0, 0, 4, 2))
	job.Mask.SetAlpha(1, 1, color.Alpha{A: 255})

	crop := e.Crop(job, img)
	if a := alphaAt(crop, 1, 1); a != 0xffff {
		t.Errorf("masked-in pixel should be opaque, alpha %d", a)
	}
	if a := alphaAt(crop, 0, 0); a != 0 {
		t.Errorf("masked-out pixel should be transparent, alpha %d", a)
	}
}

func TestCropIgnoresMismatchedMask(t *testing.T) {
	e := New(t.TempDir())
	img := createTestImage(50, 50)

	job := rectangleJob("m", types.Point{10, 10}, types.Point{14, 12})
	job.Mask = image.NewAlpha(image.Rect(0, 0, 9, 9))

	crop := e.Crop(job, img)
	if a := alphaAt(crop, 0, 0); a != 0xffff {
		t.Errorf("mismatched mask should fall back to the rectangle fill, alpha %d", a)
	}
}

func TestExtractWritesFile(t *testing.T) {
	root := t.TempDir()
	e := New(root)
	img := createTestImage(100, 100)

	path, err := e.Extract(polygonJob("cat", 1, types.Point{10, 10}, types.Point{60, 10}, types.Point{30, 50}), img)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if path != filepath.Join(root, "images", "cat", "scene_cat_1.png") {
		t.Errorf("unexpected path %s", path)
	}

	written, err := processing.NewProcessor().LoadImage(path)
	if err != nil {
		t.Fatalf("reading crop back: %v", err)
	}
	if written.Bounds().Dx() != 50 || written.Bounds().Dy() != 40 {
		t.Errorf("written crop is %v, want 50x40", written.Bounds())
	}
}

func TestExtractDegenerateWritesValidImage(t *testing.T) {
	root := t.TempDir()
	e := New(root)

	path, err := e.Extract(polygonJob("dot", 1, types.Point{5, 5}, types.Point{5, 5}), createTestImage(20, 20))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if _, err := processing.NewProcessor().LoadImage(path); err != nil {
		t.Errorf("degenerate crop is not a readable image: %v", err)
	}
}

func TestExtractNilSource(t *testing.T) {
	e := New(t.TempDir())
	_, err := e.Extract(polygonJob("cat", 1, types.Point{0, 0}), nil)
	if !errors.Is(err, types.ErrImageUnreadable) {
		t.Errorf("expected ErrImageUnreadable, got %v", err)
	}
}

func TestExtractWriteFailure(t *testing.T) {
	root := t.TempDir()
	// a file where the images directory should be
	if err := os.WriteFile(filepath.Join(root, "images"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := New(root)
	_, err := e.Extract(rectangleJob("box", types.Point{0, 0}, types.Point{4, 4}), createTestImage(10, 10))
	if !errors.Is(err, types.ErrWriteFailure) {
		t.Errorf("expected ErrWriteFailure, got %v", err)
	}
}

func TestExtractAllIndexesSameLabel(t *testing.T) {
	root := t.TempDir()
	e := New(root)
	img := createTestImage(100, 100)

	jobs := []types.RegionExtractionJob{
		polygonJob("cat", 1, types.Point{0, 0}, types.Point{10, 0}, types.Point{5, 8}),
		polygonJob("cat", 2, types.Point{20, 20}, types.Point{30, 20}, types.Point{25, 30}),
	}
	res, err := e.ExtractAll(jobs, func(types.RegionExtractionJob) (image.Image, error) { return img, nil })
	if err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	want := []string{
		filepath.Join(root, "images", "cat", "scene_cat_1.png"),
		filepath.Join(root, "images", "cat", "scene_cat_2.png"),
	}
	if len(res.Written) != 2 || res.Written[0] != want[0] || res.Written[1] != want[1] {
		t.Errorf("written: got %v, want %v", res.Written, want)
	}
}

func TestExtractAllSkipsUnreadableSource(t *testing.T) {
	e := New(t.TempDir())
	img := createTestImage(50, 50)

	jobs := []types.RegionExtractionJob{
		rectangleJob("a", types.Point{0, 0}, types.Point{5, 5}),
		rectangleJob("b", types.Point{0, 0}, types.Point{5, 5}),
	}
	jobs[0].ImagePath = "gone.png"
	res, err := e.ExtractAll(jobs, func(job types.RegionExtractionJob) (image.Image, error) {
		if job.ImagePath == "gone.png" {
			return nil, types.ErrImageUnreadable
		}
		return img, nil
	})
	if err != nil {
		t.Fatalf("ExtractAll should not fail on unreadable source: %v", err)
	}
	if len(res.Skipped) != 1 || len(res.Written) != 1 {
		t.Errorf("skipped=%d written=%d, want 1 and 1", len(res.Skipped), len(res.Written))
	}
}

func BenchmarkCropPolygon(b *testing.B) {
	e := New(b.TempDir())
	img := createTestImage(1920, 1080)
	job := polygonJob("bench", 1, types.Point{100, 100}, types.Point{900, 150}, types.Point{700, 800}, types.Point{150, 600})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Crop(job, img)
	}
}
