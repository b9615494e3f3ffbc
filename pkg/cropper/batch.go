package cropper

import (
	"errors"
	"image"

	"github.com/menta2k/dataset-exporter/pkg/types"
)

// SourceFunc returns the source raster for a job
type SourceFunc func(job types.RegionExtractionJob) (image.Image, error)

// BatchResult summarizes an ExtractAll run
type BatchResult struct {
	Written []string
	Skipped []types.RegionExtractionJob
}

// ExtractAll runs every job in order. Jobs whose source cannot be read are
// logged and skipped; a write failure stops the batch and is returned.
func (e *RegionExtractor) ExtractAll(jobs []types.RegionExtractionJob, source SourceFunc) (BatchResult, error) {
	var res BatchResult
	for _, job := range jobs {
		src, err := source(job)
		if err != nil {
			e.logger.Warnf("skipping %s #%d of %s: %v", job.Label, job.Index, job.ImagePath, err)
			res.Skipped = append(res.Skipped, job)
			continue
		}

		path, err := e.Extract(job, src)
		if err != nil {
			if errors.Is(err, types.ErrImageUnreadable) {
				e.logger.Warnf("skipping %s #%d of %s: %v", job.Label, job.Index, job.ImagePath, err)
				res.Skipped = append(res.Skipped, job)
				continue
			}
			return res, err
		}
		res.Written = append(res.Written, path)
	}
	e.logger.Infof("extracted %d regions (%d skipped)", len(res.Written), len(res.Skipped))
	return res, nil
}
