// Package imaging turns captured image bytes into normalized crops and
// aggregate color statistics. It owns the only code in the service that
// touches raw pixels; everything downstream works on the small scaled crop
// or on the derived ColorFeatures value, and the full-resolution frame is
// dropped as soon as the crop exists.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

var (
	// ErrDecode marks an upstream raster that cannot be read.
	ErrDecode = errors.New("raster cannot be decoded")
	// ErrInvalidROI marks a region of interest that clamps to zero area.
	ErrInvalidROI = errors.New("region of interest is degenerate")
	// ErrRotation marks a rotation hint that is not a right angle.
	ErrRotation = errors.New("rotation hint must be a multiple of 90 degrees")
)

const (
	// DefaultMaxImageSide caps either raster dimension at decode time.
	DefaultMaxImageSide = 8192
	// DefaultMaxPixels caps total pixel count at decode time.
	DefaultMaxPixels = 40_000_000
)

// Raster is a decoded, rotation-corrected frame with row-major RGB pixels.
type Raster struct {
	rgba *image.RGBA
}

// FromImage copies an arbitrary decoded image into a Raster.
func FromImage(img image.Image) *Raster {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return &Raster{rgba: rgba}
	}
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Rect, img, bounds.Min, draw.Src)
	return &Raster{rgba: dst}
}

// Width returns the raster width in pixels.
func (r *Raster) Width() int { return r.rgba.Rect.Dx() }

// Height returns the raster height in pixels.
func (r *Raster) Height() int { return r.rgba.Rect.Dy() }

// RGB returns the channel values at (x, y).
func (r *Raster) RGB(x, y int) (uint8, uint8, uint8) {
	i := r.rgba.PixOffset(r.rgba.Rect.Min.X+x, r.rgba.Rect.Min.Y+y)
	return r.rgba.Pix[i], r.rgba.Pix[i+1], r.rgba.Pix[i+2]
}

// Decoder reads captured image bytes with decode-bomb guards applied before
// the full bitmap is materialized.
type Decoder struct {
	MaxSide   int
	MaxPixels int64
}

// Decode parses jpeg/png/gif/webp bytes, validates dimensions, and applies
// the capture client's clockwise rotation hint before anything else sees
// the pixels.
func (d Decoder) Decode(data []byte, rotationDeg int) (*Raster, error) {
	maxSide := d.MaxSide
	if maxSide <= 0 {
		maxSide = DefaultMaxImageSide
	}
	maxPixels := d.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	rotation, err := normalizeRotation(rotationDeg)
	if err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if cfg.Width > maxSide || cfg.Height > maxSide {
		return nil, fmt.Errorf("%w: dimensions %dx%d exceed limit %d", ErrDecode, cfg.Width, cfg.Height, maxSide)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: pixel count %d exceeds limit %d", ErrDecode, int64(cfg.Width)*int64(cfg.Height), maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	raster := FromImage(img)
	if rotation != 0 {
		raster = raster.rotate(rotation)
	}
	return raster, nil
}

func normalizeRotation(deg int) (int, error) {
	deg = ((deg % 360) + 360) % 360
	switch deg {
	case 0, 90, 180, 270:
		return deg, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrRotation, deg)
	}
}

// rotate returns a new raster turned clockwise by the given right angle.
func (r *Raster) rotate(deg int) *Raster {
	w, h := r.Width(), r.Height()
	var dst *image.RGBA
	switch deg {
	case 90:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < w; y++ {
			for x := 0; x < h; x++ {
				dst.Set(x, y, r.rgba.At(r.rgba.Rect.Min.X+y, r.rgba.Rect.Min.Y+h-1-x))
			}
		}
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(x, y, r.rgba.At(r.rgba.Rect.Min.X+w-1-x, r.rgba.Rect.Min.Y+h-1-y))
			}
		}
	case 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < w; y++ {
			for x := 0; x < h; x++ {
				dst.Set(x, y, r.rgba.At(r.rgba.Rect.Min.X+w-1-y, r.rgba.Rect.Min.Y+x))
			}
		}
	default:
		return r
	}
	return &Raster{rgba: dst}
}
