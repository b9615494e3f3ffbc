package converter

import "github.com/menta2k/dataset-exporter/internal/utils"

// CategoryRegistry assigns dense 1-based category IDs in first-seen order.
// An assigned ID never changes for the lifetime of the registry.
type CategoryRegistry struct {
	ids   map[string]int
	names []string
}

// NewCategoryRegistry creates an empty registry
func NewCategoryRegistry() *CategoryRegistry {
	return &CategoryRegistry{ids: make(map[string]int)}
}

// Resolve returns the ID for label, allocating the next one on first sight
func (r *CategoryRegistry) Resolve(label string) int {
	if id, ok := r.ids[label]; ok {
		return id
	}
	r.names = append(r.names, label)
	id := len(r.names)
	r.ids[label] = id
	return id
}

// Lookup returns the ID for label without allocating
func (r *CategoryRegistry) Lookup(label string) (int, bool) {
	id, ok := r.ids[label]
	return id, ok
}

// Len returns the number of registered categories
func (r *CategoryRegistry) Len() int { return len(r.names) }

// Categories materializes the registry in ID order
func (r *CategoryRegistry) Categories() []Category {
	out := make([]Category, len(r.names))
	for i, name := range r.names {
		out[i] = Category{ID: i + 1, Name: name}
	}
	return out
}

// instanceKey identifies a crop file family: images that share a base name
// share one numbering so their crops never collide.
type instanceKey struct {
	base  string
	label string
}

// ConversionContext holds the ID counters of a single conversion run.
// Each run gets its own context so that runs never share numbering.
type ConversionContext struct {
	Registry *CategoryRegistry

	lastImageID      int
	lastAnnotationID int
	instances        map[instanceKey]int
}

// NewConversionContext creates a context with all counters at zero
func NewConversionContext() *ConversionContext {
	return &ConversionContext{
		Registry:  NewCategoryRegistry(),
		instances: make(map[instanceKey]int),
	}
}

// NextImageID allocates the next image ID
func (c *ConversionContext) NextImageID() int {
	c.lastImageID++
	return c.lastImageID
}

// NextAnnotationID allocates the next annotation ID
func (c *ConversionContext) NextAnnotationID() int {
	c.lastAnnotationID++
	return c.lastAnnotationID
}

// NextInstance returns the 1-based running index of label for images with
// the base name of imagePath. Names are compared after sanitizing.
func (c *ConversionContext) NextInstance(imagePath, label string) int {
	k := instanceKey{
		base:  utils.SanitizeFilename(utils.BaseName(imagePath)),
		label: utils.SanitizeFilename(label),
	}
	c.instances[k]++
	return c.instances[k]
}
