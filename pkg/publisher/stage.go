package publisher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/menta2k/dataset-exporter/internal/utils"
	"github.com/menta2k/dataset-exporter/pkg/types"
)

// Stage rebuilds stageDir from scratch as the data/ + image/ layout Publish
// consumes and returns the number of files staged:
//
//	annotations/coco/<n>_coco.json -> data/<n>_coco_annotation.json
//	annotations/labelme_jsons/*    -> data/
//	annotations/archives/*         -> data/
//	archives (listed files)        -> data/
//	origins/images/*               -> image/
//	images/<label>/*               -> image/<label>/
//
// The export root's archive/ folder keeps every past run, so only the
// archives passed in are staged. Missing source folders are skipped.
// Write errors wrap types.ErrWriteFailure.
func Stage(exportRoot, stageDir string, archives ...string) (int, error) {
	if err := resetStage(exportRoot, stageDir); err != nil {
		return 0, err
	}

	data := filepath.Join(stageDir, DataDir)
	img := filepath.Join(stageDir, ImageDir)

	steps := []struct {
		src    string
		dst    string
		rename func(string) string
		nested bool
	}{
		{filepath.Join(exportRoot, "annotations", "coco"), data, cocoStageName, false},
		{filepath.Join(exportRoot, "annotations", "labelme_jsons"), data, nil, false},
		{filepath.Join(exportRoot, "annotations", "archives"), data, nil, false},
		{filepath.Join(exportRoot, "origins", "images"), img, nil, false},
		{filepath.Join(exportRoot, "images"), img, nil, true},
	}

	staged := 0
	for _, step := range steps {
		if !utils.DirExists(step.src) {
			continue
		}
		n, err := copyTree(step.src, step.dst, step.rename, step.nested)
		staged += n
		if err != nil {
			return staged, fmt.Errorf("%w: stage %s: %v", types.ErrWriteFailure, step.src, err)
		}
	}

	for _, a := range archives {
		if err := utils.CopyFile(a, filepath.Join(data, filepath.Base(a))); err != nil {
			return staged, fmt.Errorf("%w: stage %s: %v", types.ErrWriteFailure, a, err)
		}
		staged++
	}
	return staged, nil
}

// resetStage empties stageDir. It refuses a stage directory that contains
// the export root.
func resetStage(exportRoot, stageDir string) error {
	stageAbs, err := filepath.Abs(stageDir)
	if err != nil {
		return fmt.Errorf("%w: stage directory: %v", types.ErrWriteFailure, err)
	}
	rootAbs, err := filepath.Abs(exportRoot)
	if err != nil {
		return fmt.Errorf("%w: export root: %v", types.ErrWriteFailure, err)
	}
	if rel, err := filepath.Rel(stageAbs, rootAbs); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: stage directory %s contains the export root", types.ErrWriteFailure, stageDir)
	}
	if err := os.RemoveAll(stageDir); err != nil {
		return fmt.Errorf("%w: clear stage directory: %v", types.ErrWriteFailure, err)
	}
	return nil
}

// cocoStageName gives a descriptor file the marker the router looks for
func cocoStageName(name string) string {
	if strings.Contains(name, COCOMarker) {
		return name
	}
	stem := strings.TrimSuffix(strings.TrimSuffix(name, filepath.Ext(name)), "_coco")
	return stem + "_" + COCOMarker + ".json"
}

// copyTree copies the files of src into dst. With nested set, one level of
// subdirectories is kept; otherwise only files directly in src are copied.
func copyTree(src, dst string, rename func(string) string, nested bool) (int, error) {
	copied := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		depth := len(strings.Split(filepath.ToSlash(rel), "/"))

		if d.IsDir() {
			if rel != "." && (!nested || depth > 1) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		name := d.Name()
		if rename != nil {
			name = rename(name)
		}
		if err := utils.CopyFile(p, filepath.Join(dst, filepath.Dir(rel), name)); err != nil {
			return err
		}
		copied++
		return nil
	})
	return copied, err
}
