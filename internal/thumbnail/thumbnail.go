// Package thumbnail turns fetched image bytes into JPEG thumbnails on disk.
//
// The transform is CPU-bound, so it runs under a weighted semaphore sized by
// configuration: fetch concurrency across jobs is unaffected while at most
// Parallelism transforms run at once.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/thumbforge/thumbforge/internal/metrics"
)

// Config controls thumbnail geometry, encoding, and transform parallelism.
type Config struct {
	// Size is the square bound the longer edge is fitted into.
	Size int
	// Quality is the JPEG encode quality (1-100).
	Quality int
	// StoragePath is the directory thumbnails are written to.
	StoragePath string
	// Parallelism bounds concurrent transforms.
	Parallelism int64
}

// Meta describes the source image and where its thumbnail was written.
type Meta struct {
	Width     int
	Height    int
	Format    string
	SizeBytes int
	Path      string
}

// Transformer decodes, resizes, and re-encodes images.
type Transformer struct {
	size    int
	quality int
	dir     string
	sem     *semaphore.Weighted
}

// New constructs a Transformer and ensures the storage directory exists.
func New(cfg Config) (*Transformer, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("thumbnail.size must be > 0")
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		return nil, fmt.Errorf("thumbnail.quality must be in 1..100")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Transformer{
		size:    cfg.Size,
		quality: cfg.Quality,
		dir:     cfg.StoragePath,
		sem:     semaphore.NewWeighted(cfg.Parallelism),
	}, nil
}

// Path returns the deterministic thumbnail location for a job id.
func (t *Transformer) Path(id uuid.UUID) string {
	return filepath.Join(t.dir, id.String()+".jpg")
}

// Transform decodes data, fits the image into the configured square bound,
// and writes a JPEG keyed by job id. It blocks while the transform pool is
// saturated, honoring context cancellation.
func (t *Transformer) Transform(ctx context.Context, id uuid.UUID, data []byte) (Meta, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return Meta{}, fmt.Errorf("acquire transform slot: %w", err)
	}
	defer t.sem.Release(1)

	start := time.Now()
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Meta{}, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()

	thumb := imaging.Fit(img, t.size, t.size, imaging.Lanczos)
	path := t.Path(id)
	if err := imaging.Save(thumb, path, imaging.JPEGQuality(t.quality)); err != nil {
		return Meta{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	metrics.ObserveTransform(time.Since(start))

	return Meta{
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Format:    strings.ToUpper(format),
		SizeBytes: len(data),
		Path:      path,
	}, nil
}
