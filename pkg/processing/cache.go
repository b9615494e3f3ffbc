package processing

import (
	"image"
	"sync"
)

// Loader decodes the image stored at a path
type Loader interface {
	LoadImage(path string) (image.Image, error)
}

// ImageCache keeps the most recently decoded images so that conversion and
// region extraction of the same record decode the source once.
//
// The cache holds at most Capacity images and evicts the oldest entry first.
// It is safe for concurrent use.
type ImageCache struct {
	mu       sync.Mutex
	loader   Loader
	capacity int
	images   map[string]image.Image
	order    []string
}

// NewImageCache wraps loader with a cache of the given capacity (minimum 1)
func NewImageCache(loader Loader, capacity int) *ImageCache {
	if capacity < 1 {
		capacity = 1
	}
	return &ImageCache{
		loader:   loader,
		capacity: capacity,
		images:   make(map[string]image.Image),
	}
}

// LoadImage returns the cached image for path, decoding it on a miss.
// Failed loads are not cached.
func (c *ImageCache) LoadImage(path string) (image.Image, error) {
	c.mu.Lock()
	if img, ok := c.images[path]; ok {
		c.mu.Unlock()
		return img, nil
	}
	c.mu.Unlock()

	img, err := c.loader.LoadImage(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.images[path]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.images, oldest)
		}
		c.order = append(c.order, path)
	}
	c.images[path] = img
	return img, nil
}

// Len returns the number of cached images
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images)
}
