package publisher

import (
	"path"
	"strings"

	"github.com/menta2k/dataset-exporter/internal/utils"
)

// Local top-level folders the publisher accepts
const (
	DataDir  = "data"
	ImageDir = "image"
)

// Remote folders, relative to the remote base path
const (
	RemoteAnnotations = "annotations"
	RemoteLabelme     = "annotations/labelme_jsons"
	RemoteArchives    = "annotations/archives"
	RemoteCOCO        = "annotations/coco"
	RemoteOrigins     = "origins/images"
	RemoteImages      = "images"
)

// COCOMarker identifies a dataset descriptor among the data/ JSON files
const COCOMarker = "coco_annotation"

// DefaultRasterExtensions are the image extensions published from image/
var DefaultRasterExtensions = []string{"png", "jpg", "jpeg"}

// Router maps local slash-separated paths below the publish root onto the
// remote folder taxonomy
type Router struct {
	raster map[string]bool
}

// NewRouter creates a router accepting the given raster extensions
// (without dot). With none, DefaultRasterExtensions apply.
func NewRouter(rasterExts ...string) *Router {
	if len(rasterExts) == 0 {
		rasterExts = DefaultRasterExtensions
	}
	r := &Router{raster: make(map[string]bool, len(rasterExts))}
	for _, ext := range rasterExts {
		r.raster[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return r
}

// Route returns the remote folder for rel, or ok=false when the file is not
// published
func (r *Router) Route(rel string) (dir string, ok bool) {
	parts := strings.Split(path.Clean(rel), "/")
	if len(parts) < 2 {
		return "", false
	}
	name := parts[len(parts)-1]

	switch strings.ToLower(parts[0]) {
	case DataDir:
		return routeData(parts[1:len(parts)-1], name)
	case ImageDir:
		if !r.raster[utils.GetFileExtension(name)] {
			return "", false
		}
		switch len(parts) {
		case 2:
			return RemoteOrigins, true
		case 3:
			return path.Join(RemoteImages, parts[1]), true
		}
	}
	return "", false
}

// routeData routes a file found under data/<sub...>/name
func routeData(sub []string, name string) (string, bool) {
	low := strings.ToLower(name)
	switch {
	case strings.HasSuffix(low, ".json"):
		if len(sub) > 0 && strings.EqualFold(sub[0], "coco") {
			return RemoteCOCO, true
		}
		if strings.Contains(low, COCOMarker) {
			return RemoteAnnotations, true
		}
		return RemoteLabelme, true
	case strings.HasSuffix(low, ".csv"):
		return RemoteLabelme, true
	case utils.IsArchiveFile(low):
		return RemoteArchives, true
	}
	return "", false
}

// IsTopLevel reports whether a top-level folder name is one the publisher walks
func IsTopLevel(name string) bool {
	n := strings.ToLower(name)
	return n == DataDir || n == ImageDir
}
