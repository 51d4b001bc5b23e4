package tiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	// Decoders for the source formats the pipeline accepts.
	_ "image/gif"
	_ "image/png"

	"github.com/gofrs/flock"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/model"
)

const (
	// DefaultTileSize is the edge length of a tile in pixels.
	DefaultTileSize = 256
	// DefaultJPEGQuality is used when PyramidTilerOptions.Quality is unset.
	DefaultJPEGQuality = 85
	// InfoFileName is written next to the zoom level directories.
	InfoFileName = "imageinfo.json"

	lockRetryDelay = 200 * time.Millisecond
)

var _ core.Tiler = (*PyramidTiler)(nil)

// ImageInfo describes a written pyramid. Viewers read it to size the canvas.
type ImageInfo struct {
	Width      int64     `json:"width"`
	Height     int64     `json:"height"`
	TileSize   int       `json:"tile_size"`
	ZoomLevels int       `json:"zoom_levels"`
	Tiles      int64     `json:"tiles"`
	Format     string    `json:"format"`
	Source     string    `json:"source"`
	Created    time.Time `json:"created"`
}

// PyramidTilerOptions configures PyramidTiler.
type PyramidTilerOptions struct {
	TileDir  string // Required
	TileSize int
	Quality  int
	Logger   *slog.Logger
}

// PyramidTiler writes a JPEG tile pyramid to <TileDir>/<collection>/<path>/<z>/<y>/<x>.jpg.
//
// Level 0 fits in a single tile; every further level doubles the resolution
// up to the source size. The pyramid is built in a temporary directory and
// renamed into place, so readers never see a partial pyramid.
type PyramidTiler struct {
	tileDir  string
	tileSize int
	quality  int
	logger   *slog.Logger
}

// NewPyramidTiler constructs a PyramidTiler.
func NewPyramidTiler(opts PyramidTilerOptions) (*PyramidTiler, error) {
	if opts.TileDir == "" {
		return nil, errors.New("tile directory is required")
	}
	tileSize := opts.TileSize
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PyramidTiler{
		tileDir:  opts.TileDir,
		tileSize: tileSize,
		quality:  quality,
		logger:   logger.With("component", "pyramid_tiler"),
	}, nil
}

// OutputDir returns where the pyramid for key is written. Keys that would land
// outside the tile directory are rejected with model.ErrInvalidTileJobKey.
func (t *PyramidTiler) OutputDir(key model.TileJobKey) (string, error) {
	return joinUnder(t.tileDir, key)
}

// Tile decodes the source image and writes its pyramid.
func (t *PyramidTiler) Tile(ctx context.Context, req core.TileRequest) (model.TileResult, error) {
	if err := req.Key.Validate(); err != nil {
		return model.TileResult{}, err
	}

	outDir, err := t.OutputDir(req.Key)
	if err != nil {
		return model.TileResult{}, err
	}

	src, err := decodeImage(req.SourcePath)
	if err != nil {
		return model.TileResult{}, err
	}

	parent := filepath.Dir(outDir)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return model.TileResult{}, fmt.Errorf("create tile parent dir: %w", err)
	}

	// Two processes may tile the same key after a reset; the lock keeps their renames apart.
	lock := flock.New(outDir + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return model.TileResult{}, fmt.Errorf("lock %s: %w", outDir, err)
	}
	if !locked {
		return model.TileResult{}, fmt.Errorf("lock %s: not acquired", outDir)
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			t.logger.WarnContext(ctx, "failed to release tile lock", "path", outDir, "error", uerr)
		}
	}()

	tmp, err := os.MkdirTemp(parent, ".tiling-*")
	if err != nil {
		return model.TileResult{}, fmt.Errorf("create temp tile dir: %w", err)
	}
	defer func() {
		// Only left behind on failure; a successful run has renamed it.
		_ = os.RemoveAll(tmp)
	}()
	if err := os.Chmod(tmp, 0o750); err != nil { // #nosec G302 - tile servers need to traverse the pyramid
		return model.TileResult{}, fmt.Errorf("chmod temp tile dir: %w", err)
	}

	info, err := t.writePyramid(ctx, src, tmp)
	if err != nil {
		return model.TileResult{}, err
	}
	info.Source = req.SourcePath
	if err := writeInfo(filepath.Join(tmp, InfoFileName), info); err != nil {
		return model.TileResult{}, err
	}
	if err := replaceDir(tmp, outDir); err != nil {
		return model.TileResult{}, err
	}

	t.logger.DebugContext(ctx, "tile pyramid written",
		"path", outDir,
		"tiles", info.Tiles,
		"zoom_levels", info.ZoomLevels,
	)
	return model.TileResult{
		Tiles:      info.Tiles,
		Width:      info.Width,
		Height:     info.Height,
		ZoomLevels: info.ZoomLevels,
	}, nil
}

func (t *PyramidTiler) writePyramid(ctx context.Context, src image.Image, dir string) (ImageInfo, error) {
	b := src.Bounds()
	maxZoom := ZoomLevels(b.Dx(), b.Dy(), t.tileSize) - 1

	level := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(level, level.Bounds(), src, b.Min, draw.Src)

	info := ImageInfo{
		Width:      int64(b.Dx()),
		Height:     int64(b.Dy()),
		TileSize:   t.tileSize,
		ZoomLevels: maxZoom + 1,
		Format:     "jpg",
		Created:    time.Now().UTC(),
	}

	for z := maxZoom; z >= 0; z-- {
		n, err := t.writeLevel(ctx, level, filepath.Join(dir, strconv.Itoa(z)))
		if err != nil {
			return ImageInfo{}, fmt.Errorf("write zoom level %d: %w", z, err)
		}
		info.Tiles += n
		if z > 0 {
			level = halve(level)
		}
	}
	return info, nil
}

func (t *PyramidTiler) writeLevel(ctx context.Context, img *image.RGBA, dir string) (int64, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	cols := (w + t.tileSize - 1) / t.tileSize
	rows := (h + t.tileSize - 1) / t.tileSize

	var n int64
	for y := 0; y < rows; y++ {
		rowDir := filepath.Join(dir, strconv.Itoa(y))
		if err := os.MkdirAll(rowDir, 0o750); err != nil {
			return n, fmt.Errorf("create tile row dir: %w", err)
		}
		for x := 0; x < cols; x++ {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			r := image.Rect(x*t.tileSize, y*t.tileSize, min((x+1)*t.tileSize, w), min((y+1)*t.tileSize, h))
			if err := t.writeTile(filepath.Join(rowDir, strconv.Itoa(x)+".jpg"), img.SubImage(r)); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (t *PyramidTiler) writeTile(path string, img image.Image) (err error) {
	f, err := os.Create(path) // #nosec G304 - path is built from the validated job key
	if err != nil {
		return fmt.Errorf("create tile: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close tile: %w", cerr)
		}
	}()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: t.quality}); err != nil {
		return fmt.Errorf("encode tile %s: %w", path, err)
	}
	return nil
}

// ZoomLevels returns how many levels a w×h image needs so level 0 fits in one tile.
func ZoomLevels(w, h, tileSize int) int {
	levels := 1
	for dim := max(w, h); dim > tileSize; dim = (dim + 1) / 2 {
		levels++
	}
	return levels
}

func halve(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, max(1, (b.Dx()+1)/2), max(1, (b.Dy()+1)/2)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path) // #nosec G304 - resolved by the source resolver
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode source %s: %w", path, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("decode source %s: empty %s image", path, format)
	}
	return img, nil
}

func writeInfo(path string, info ImageInfo) error {
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode image info: %w", err)
	}
	if err := os.WriteFile(path, b, 0o640); err != nil {
		return fmt.Errorf("write image info: %w", err)
	}
	return nil
}

// replaceDir moves tmp to dst, replacing any earlier pyramid.
func replaceDir(tmp, dst string) error {
	old := ""
	if _, err := os.Stat(dst); err == nil {
		old = dst + ".old-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		if err := os.Rename(dst, old); err != nil {
			return fmt.Errorf("move previous pyramid aside: %w", err)
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		if old != "" {
			_ = os.Rename(old, dst)
		}
		return fmt.Errorf("publish pyramid: %w", err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("remove previous pyramid: %w", err)
		}
	}
	return nil
}
