package converter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/dataset-exporter/pkg/types"
)

// Image is a COCO image entry
type Image struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Annotation is a COCO instance entry. BBox is [x, y, w, h].
type Annotation struct {
	ID           int         `json:"id"`
	ImageID      int         `json:"image_id"`
	CategoryID   int         `json:"category_id"`
	BBox         [4]float64  `json:"bbox"`
	Area         float64     `json:"area"`
	Segmentation [][]float64 `json:"segmentation"`
	IsCrowd      int         `json:"iscrowd"`
}

// Category is a COCO category entry
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Descriptor is the merged detection dataset produced by one conversion run
type Descriptor struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
}

// NewDescriptor returns an empty descriptor whose lists encode as [] rather than null
func NewDescriptor() Descriptor {
	return Descriptor{
		Images:      []Image{},
		Annotations: []Annotation{},
		Categories:  []Category{},
	}
}

// Validate checks that IDs are dense, increasing and that every reference resolves
func (d Descriptor) Validate() error {
	images := make(map[int]bool, len(d.Images))
	for i, img := range d.Images {
		if img.ID != i+1 {
			return fmt.Errorf("image %q has id %d, want %d", img.FileName, img.ID, i+1)
		}
		images[img.ID] = true
	}
	categories := make(map[int]bool, len(d.Categories))
	for i, c := range d.Categories {
		if c.ID != i+1 {
			return fmt.Errorf("category %q has id %d, want %d", c.Name, c.ID, i+1)
		}
		categories[c.ID] = true
	}
	for i, a := range d.Annotations {
		if a.ID != i+1 {
			return fmt.Errorf("annotation has id %d, want %d", a.ID, i+1)
		}
		if !images[a.ImageID] {
			return fmt.Errorf("annotation %d references unknown image %d", a.ID, a.ImageID)
		}
		if !categories[a.CategoryID] {
			return fmt.Errorf("annotation %d references unknown category %d", a.ID, a.CategoryID)
		}
		if a.BBox[2] < 0 || a.BBox[3] < 0 {
			return fmt.Errorf("annotation %d has negative bbox size", a.ID)
		}
	}
	return nil
}

// Marshal encodes the descriptor as indented JSON. Output is stable for equal descriptors.
func (d Descriptor) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFile writes the descriptor JSON to path, creating its directory
func (d Descriptor) WriteFile(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrWriteFailure, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", types.ErrWriteFailure, err)
	}
	return nil
}
