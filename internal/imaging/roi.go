package imaging

import "fmt"

// ROI is a fractional sub-rectangle of a raster, each bound relative to the
// raster's dimensions. Callers own the value and may retarget it between
// frames; the extractor never mutates it.
type ROI struct {
	Left   float64
	Top    float64
	Right  float64
	Bottom float64
}

// Presets cover the capture targets the UI offers. The lower-eyelid window
// hugs the everted conjunctiva in a guided close-up; the full-eye and
// nail-bed windows leave margin for less steady framing.
var (
	ROIFullFrame   = ROI{Left: 0, Top: 0, Right: 1, Bottom: 1}
	ROILowerEyelid = ROI{Left: 0.20, Top: 0.55, Right: 0.80, Bottom: 0.92}
	ROIFullEye     = ROI{Left: 0.10, Top: 0.20, Right: 0.90, Bottom: 0.80}
	ROINailBed     = ROI{Left: 0.25, Top: 0.30, Right: 0.75, Bottom: 0.70}
)

// ROIPreset resolves a named preset.
func ROIPreset(name string) (ROI, bool) {
	switch name {
	case "full_frame":
		return ROIFullFrame, true
	case "lower_eyelid":
		return ROILowerEyelid, true
	case "full_eye":
		return ROIFullEye, true
	case "nail_bed":
		return ROINailBed, true
	default:
		return ROI{}, false
	}
}

// Clamped returns the ROI with every bound pinned into [0,1].
func (r ROI) Clamped() ROI {
	return ROI{
		Left:   clampFraction(r.Left),
		Top:    clampFraction(r.Top),
		Right:  clampFraction(r.Right),
		Bottom: clampFraction(r.Bottom),
	}
}

// Validate reports ErrInvalidROI when the clamped bounds enclose no area.
func (r ROI) Validate() error {
	c := r.Clamped()
	if c.Left >= c.Right || c.Top >= c.Bottom {
		return fmt.Errorf("%w: left=%v top=%v right=%v bottom=%v", ErrInvalidROI, r.Left, r.Top, r.Right, r.Bottom)
	}
	return nil
}

// pixelBounds maps the fractional ROI onto a raster, guaranteeing a
// rectangle of at least one pixel that lies fully inside the raster.
func (r ROI) pixelBounds(width, height int) (x0, y0, x1, y1 int) {
	c := r.Clamped()
	x0 = int(c.Left * float64(width))
	x1 = int(c.Right * float64(width))
	y0 = int(c.Top * float64(height))
	y1 = int(c.Bottom * float64(height))

	if x0 > width-1 {
		x0 = width - 1
	}
	if y0 > height-1 {
		y0 = height - 1
	}
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	if x1 > width {
		x1 = width
	}
	if y1 > height {
		y1 = height
	}
	return x0, y0, x1, y1
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
