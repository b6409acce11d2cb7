// Package render draws spatial projections using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/cellmap-sc/server/internal/data/expr"
	"github.com/cellmap-sc/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	ImageSize       int
	PointSize       float64
	DefaultColormap string
}

// ProjectionRenderer renders per-spot scalar layers onto the spatial
// coordinates of a dataset.
type ProjectionRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewProjectionRenderer creates a new projection renderer.
func NewProjectionRenderer(cfg Config) *ProjectionRenderer {
	return &ProjectionRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.ImageSize, cfg.ImageSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Render draws one scalar value per spot as a filled circle at the
// spot's coordinates and returns the encoded PNG. size 0 uses the
// configured default.
func (r *ProjectionRenderer) Render(coords []expr.Coord, values []float64, colormapName string, size int) ([]byte, error) {
	if len(coords) == 0 {
		return nil, fmt.Errorf("no spatial coordinates to render")
	}
	if len(values) != len(coords) {
		return nil, fmt.Errorf("value count %d does not match spot count %d", len(values), len(coords))
	}

	var dc *gg.Context
	if size <= 0 || size == r.config.ImageSize {
		size = r.config.ImageSize
		dc = r.contextPool.Get().(*gg.Context)
		defer r.contextPool.Put(dc)
	} else {
		dc = gg.NewContext(size, size)
	}

	dc.SetColor(color.White)
	dc.Clear()

	cmap, ok := colormap.ByName(colormapName)
	if !ok {
		cmap, _ = colormap.ByName(r.config.DefaultColormap)
		if cmap == nil {
			cmap = colormap.Viridis
		}
	}

	minX, minY := coords[0].X, coords[0].Y
	maxX, maxY := minX, minY
	for _, c := range coords[1:] {
		if c.X < minX {
			minX = c.X
		}
		if c.X > maxX {
			maxX = c.X
		}
		if c.Y < minY {
			minY = c.Y
		}
		if c.Y > maxY {
			maxY = c.Y
		}
	}

	vmin, vmax := values[0], values[0]
	for _, v := range values[1:] {
		if v < vmin {
			vmin = v
		}
		if v > vmax {
			vmax = v
		}
	}
	vrange := vmax - vmin
	if vrange == 0 {
		vrange = 1
	}

	pointSize := r.config.PointSize
	if pointSize <= 0 {
		pointSize = 3
	}
	margin := pointSize * 2

	// One scale for both axes so the tissue keeps its aspect ratio.
	extent := math.Max(float64(maxX-minX), float64(maxY-minY))
	if extent == 0 {
		extent = 1
	}
	scale := (float64(size) - 2*margin) / extent
	offX := (float64(size) - scale*float64(maxX-minX)) / 2
	offY := (float64(size) - scale*float64(maxY-minY)) / 2

	for i, c := range coords {
		px := offX + scale*float64(c.X-minX)
		// Image y grows downward, spatial y grows upward.
		py := float64(size) - offY - scale*float64(c.Y-minY)

		t := (values[i] - vmin) / vrange
		dc.SetColor(cmap.At(t))
		dc.DrawCircle(px, py, pointSize)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

func (r *ProjectionRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
