package device

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"Droidfleet/pkg/types"
)

// Base resolution recorded gestures are assumed to come from (LDPlayer default)
const (
	DefaultBaseWidth  = 540
	DefaultBaseHeight = 960

	aspectTolerance = 0.05
)

var (
	overrideSizeRe = regexp.MustCompile(`Override size:\s*(\d+)x(\d+)`)
	physicalSizeRe = regexp.MustCompile(`Physical size:\s*(\d+)x(\d+)`)
	bareSizeRe     = regexp.MustCompile(`(\d+)x(\d+)`)
)

// DefaultScreenSize is reported when "wm size" cannot be parsed
var DefaultScreenSize = types.ScreenSize{Width: 360, Height: 640}

// ParseScreenSize reads "wm size" output, preferring the override size
func ParseScreenSize(output string) (types.ScreenSize, bool) {
	for _, re := range []*regexp.Regexp{overrideSizeRe, physicalSizeRe, bareSizeRe} {
		if m := re.FindStringSubmatch(output); len(m) == 3 {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			if w > 0 && h > 0 {
				return types.ScreenSize{Width: w, Height: h}, true
			}
		}
	}
	return DefaultScreenSize, false
}

// GetScreenSize queries the effective display size
func (h *Helpers) GetScreenSize(ctx context.Context) (types.ScreenSize, error) {
	out, err := h.Shell(ctx, "wm size")
	if err != nil {
		return types.ScreenSize{}, err
	}
	size, ok := ParseScreenSize(out)
	if !ok {
		h.log.Warn().Str("output", strings.TrimSpace(out)).Msg("unparseable wm size output, using default")
	}
	return size, nil
}

// Anchor positions for TapRel
const (
	AnchorTopLeft     = "top-left"
	AnchorTopRight    = "top-right"
	AnchorBottomLeft  = "bottom-left"
	AnchorBottomRight = "bottom-right"
	AnchorCenter      = "center"
)

// TapRelOptions controls resolution-independent taps
type TapRelOptions struct {
	BaseWidth  int
	BaseHeight int
	// Anchor switches to anchor-relative mode: both percentages become
	// fractions of the screen width measured from the anchor.
	Anchor    string
	Tolerance *int
	MultiTap  bool
}

// RelPoint converts percentages to absolute coordinates on size.
//
// Without an anchor x = w*xp/100 and y = h*yp/100. When the screen's aspect
// ratio differs from the base aspect ratio by more than 5%, y is pushed away
// from the vertical center by (y-cy)*(ratio-1)/2, ratio being current over base.
func RelPoint(size types.ScreenSize, xPercent, yPercent float64, opts TapRelOptions) Point {
	w, h := float64(size.Width), float64(size.Height)

	switch strings.ToLower(opts.Anchor) {
	case "":
	case AnchorTopLeft:
		return clampPoint(size, w*xPercent/100, w*yPercent/100)
	case AnchorTopRight:
		return clampPoint(size, w-w*xPercent/100, w*yPercent/100)
	case AnchorBottomLeft:
		return clampPoint(size, w*xPercent/100, h-w*yPercent/100)
	case AnchorBottomRight:
		return clampPoint(size, w-w*xPercent/100, h-w*yPercent/100)
	case AnchorCenter:
		return clampPoint(size, w/2+w*xPercent/100, h/2+w*yPercent/100)
	}

	x := w * xPercent / 100
	y := h * yPercent / 100

	baseW, baseH := opts.BaseWidth, opts.BaseHeight
	if baseW <= 0 || baseH <= 0 {
		baseW, baseH = DefaultBaseWidth, DefaultBaseHeight
	}
	base := types.ScreenSize{Width: baseW, Height: baseH}.Aspect()
	if current := size.Aspect(); base > 0 && current > 0 {
		ratio := current / base
		if math.Abs(ratio-1) > aspectTolerance {
			cy := h / 2
			y += (y - cy) * (ratio - 1) * 0.5
		}
	}
	return clampPoint(size, x, y)
}

func clampPoint(size types.ScreenSize, x, y float64) Point {
	maxX, maxY := float64(size.Width-1), float64(size.Height-1)
	x = math.Max(0, math.Min(maxX, x))
	y = math.Max(0, math.Min(maxY, y))
	return Point{X: int(math.Round(x)), Y: int(math.Round(y))}
}

// TapRel taps at a percentage position of the live screen
func (h *Helpers) TapRel(ctx context.Context, xPercent, yPercent float64, opts TapRelOptions) (Point, error) {
	size, err := h.GetScreenSize(ctx)
	if err != nil {
		return Point{}, err
	}
	p := RelPoint(size, xPercent, yPercent, opts)
	return p, h.Tap(ctx, p.X, p.Y, TapOptions{Tolerance: opts.Tolerance, MultiTap: opts.MultiTap})
}

// SwipeRel swipes between two percentage positions
func (h *Helpers) SwipeRel(ctx context.Context, x1p, y1p, x2p, y2p float64, durationMs int) error {
	size, err := h.GetScreenSize(ctx)
	if err != nil {
		return err
	}
	a := RelPoint(size, x1p, y1p, TapRelOptions{})
	b := RelPoint(size, x2p, y2p, TapRelOptions{})
	return h.Swipe(ctx, a.X, a.Y, b.X, b.Y, durationMs)
}
