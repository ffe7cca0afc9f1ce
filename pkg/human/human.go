// Package human layers randomized timing and curved motion over the device
// action surface so scripted input looks less mechanical.
package human

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/device"
	"Droidfleet/pkg/types"
)

// Surface is the part of the action surface this layer drives
type Surface interface {
	Tap(ctx context.Context, x, y int, opts device.TapOptions) error
	Type(ctx context.Context, text string) error
	SwipePath(ctx context.Context, points []device.Point, durationMs int) error
	GetScreenSize(ctx context.Context) (types.ScreenSize, error)
	Shell(ctx context.Context, cmd string) (string, error)
}

// Delay bands in milliseconds
const (
	preTapMin, preTapMax   = 80, 250
	postTapMin, postTapMax = 100, 300
	keyMin, keyMax         = 50, 150
	thinkMin, thinkMax     = 500, 1500
	readMin, readMax       = 500, 10000

	quickFactor = 0.5
	slowFactor  = 2.0
)

// Human wraps a Surface
type Human struct {
	surface Surface
	log     zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Human
type Option func(*Human)

// WithSeed makes the randomization reproducible
func WithSeed(seed int64) Option {
	return func(h *Human) { h.rng = rand.New(rand.NewSource(seed)) }
}

// WithLogger sets the diagnostic logger
func WithLogger(l zerolog.Logger) Option {
	return func(h *Human) { h.log = l }
}

// WithSleeper replaces the context-aware sleep
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Human) { h.sleep = fn }
}

// New creates the human layer over surface
func New(surface Surface, opts ...Option) *Human {
	h := &Human{
		surface: surface,
		log:     zerolog.Nop(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   device.Sleep,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("module", "human").Logger()
	return h
}

func (h *Human) float() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64()
}

func (h *Human) norm() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.NormFloat64()
}

// gaussian draws from N((min+max)/2, (max-min)/6) clamped to [min, max], so
// ~99.7% of draws land inside the band before clamping.
func (h *Human) gaussian(min, max float64) float64 {
	if max < min {
		min, max = max, min
	}
	if max == min {
		return min
	}
	mean := (min + max) / 2
	sd := (max - min) / 6
	v := mean + h.norm()*sd
	return math.Max(min, math.Min(max, v))
}

func (h *Human) pause(ctx context.Context, minMs, maxMs float64) error {
	return h.sleep(ctx, time.Duration(h.gaussian(minMs, maxMs))*time.Millisecond)
}

// Delay sleeps a human-like duration between minMs and maxMs
func (h *Human) Delay(ctx context.Context, minMs, maxMs int) error {
	return h.pause(ctx, float64(minMs), float64(maxMs))
}

// RandomOffset returns a Gaussian-weighted integer in [min, max]
func (h *Human) RandomOffset(min, max int) int {
	return int(math.Round(h.gaussian(float64(min), float64(max))))
}

// TapOptions controls a human tap. A nil Tolerance keeps the surface default.
type TapOptions struct {
	Tolerance *int
}

// Tap waits a reaction delay, taps with jitter, then waits again
func (h *Human) Tap(ctx context.Context, x, y int, opts TapOptions) error {
	return h.tap(ctx, x, y, opts, 1)
}

// QuickTap is Tap with half-length delays
func (h *Human) QuickTap(ctx context.Context, x, y int, opts TapOptions) error {
	return h.tap(ctx, x, y, opts, quickFactor)
}

// SlowTap is Tap with double-length delays
func (h *Human) SlowTap(ctx context.Context, x, y int, opts TapOptions) error {
	return h.tap(ctx, x, y, opts, slowFactor)
}

func (h *Human) tap(ctx context.Context, x, y int, opts TapOptions, factor float64) error {
	if err := h.pause(ctx, preTapMin*factor, preTapMax*factor); err != nil {
		return err
	}
	if err := h.surface.Tap(ctx, x, y, device.TapOptions{Tolerance: opts.Tolerance}); err != nil {
		return err
	}
	return h.pause(ctx, postTapMin*factor, postTapMax*factor)
}

// TypeOptions bounds the per-character delay
type TypeOptions struct {
	MinDelay int
	MaxDelay int
}

// Type enters text one character at a time with variable key delays and an
// occasional longer pause after word boundaries. Non-ASCII text is sent in one
// piece because it goes through an IME switch.
func (h *Human) Type(ctx context.Context, text string, opts TypeOptions) error {
	minD, maxD := float64(opts.MinDelay), float64(opts.MaxDelay)
	if minD <= 0 && maxD <= 0 {
		minD, maxD = keyMin, keyMax
	}

	if strings.IndexFunc(text, func(r rune) bool { return r > 127 }) >= 0 {
		if err := h.pause(ctx, thinkMin/2, thinkMax/2); err != nil {
			return err
		}
		return h.surface.Type(ctx, text)
	}

	for i, r := range text {
		if err := h.surface.Type(ctx, string(r)); err != nil {
			return err
		}
		if i == len(text)-1 {
			break
		}
		if err := h.pause(ctx, minD, maxD); err != nil {
			return err
		}
		if (r == ' ' || r == '.' || r == ',') && h.float() < 0.15 {
			if err := h.pause(ctx, 300, 900); err != nil {
				return err
			}
		}
	}
	return nil
}

// SwipeOptions controls the curved swipe
type SwipeOptions struct {
	Duration int  // ms, random 300-700 when zero
	Steps    int  // path points, derived from distance when zero
	Wobble   bool // add small perpendicular noise to interior points
}

// Path builds a Bezier path from start to end with randomly bowed control
// points, sampled on an ease-in-out schedule.
func (h *Human) Path(start, end device.Point, steps int, wobble bool) []device.Point {
	p0 := Vector2D{float64(start.X), float64(start.Y)}
	p3 := Vector2D{float64(end.X), float64(end.Y)}
	main := p3.Sub(p0)
	dist := main.Mag()

	if steps <= 0 {
		steps = int(math.Max(8, math.Min(40, dist/25)))
	}
	if dist < 1 || steps < 2 {
		return []device.Point{start, end}
	}

	dir := main.Normalize()
	perp := dir.Perp()
	bow1 := (h.float()*2 - 1) * dist * 0.15
	bow2 := (h.float()*2 - 1) * dist * 0.15
	p1 := p0.Add(dir.Mul(dist / 3)).Add(perp.Mul(bow1))
	p2 := p0.Add(dir.Mul(dist * 2 / 3)).Add(perp.Mul(bow2))

	path := make([]device.Point, steps)
	for i := 0; i < steps; i++ {
		t := easeInOutCubic(float64(i) / float64(steps-1))
		v := bezier(p0, p1, p2, p3, t)
		if wobble && i > 0 && i < steps-1 {
			v = v.Add(perp.Mul(h.norm() * 2))
		}
		path[i] = device.Point{X: int(math.Round(v.X)), Y: int(math.Round(v.Y))}
	}
	path[0], path[steps-1] = start, end
	return path
}

// Swipe performs a curved swipe between two points
func (h *Human) Swipe(ctx context.Context, x1, y1, x2, y2 int, opts SwipeOptions) error {
	duration := opts.Duration
	if duration <= 0 {
		duration = int(h.gaussian(300, 700))
	}
	path := h.Path(device.Point{X: x1, Y: y1}, device.Point{X: x2, Y: y2}, opts.Steps, opts.Wobble)
	if err := h.pause(ctx, preTapMin, preTapMax); err != nil {
		return err
	}
	return h.surface.SwipePath(ctx, path, duration)
}

// Scroll swipes vertically by distance pixels. direction is "down" (content
// moves up, the default) or "up". distance <= 0 scrolls 40% of the screen.
func (h *Human) Scroll(ctx context.Context, direction string, distance int) error {
	size, err := h.surface.GetScreenSize(ctx)
	if err != nil {
		return err
	}
	if distance <= 0 {
		distance = size.Height * 2 / 5
	}
	maxDist := size.Height * 3 / 5
	if distance > maxDist {
		distance = maxDist
	}

	x := size.Width/2 + h.RandomOffset(-size.Width/20, size.Width/20)
	var startY, endY int
	if strings.EqualFold(direction, "up") {
		startY = size.Height/5 + h.RandomOffset(0, size.Height/20)
		endY = startY + distance
	} else {
		startY = size.Height*4/5 - h.RandomOffset(0, size.Height/20)
		endY = startY - distance
	}
	endX := x + h.RandomOffset(-size.Width/40, size.Width/40)
	return h.Swipe(ctx, x, startY, endX, endY, SwipeOptions{Wobble: true})
}

// Think pauses 0.5-1.5s
func (h *Human) Think(ctx context.Context) error {
	return h.pause(ctx, thinkMin, thinkMax)
}

// ReadDuration is the simulated time to read textLength characters
func (h *Human) ReadDuration(textLength int) time.Duration {
	perChar := 50 + h.float()*10
	ms := math.Max(readMin, math.Min(readMax, float64(textLength)*perChar))
	return time.Duration(ms) * time.Millisecond
}

// Read pauses proportionally to textLength
func (h *Human) Read(ctx context.Context, textLength int) error {
	return h.sleep(ctx, h.ReadDuration(textLength))
}

// Idle keeps the session looking attended for durationMs: short waits with
// the odd harmless shell round trip in between.
func (h *Human) Idle(ctx context.Context, durationMs int) error {
	if durationMs <= 0 {
		return nil
	}
	total := time.Duration(durationMs) * time.Millisecond
	var elapsed time.Duration
	for elapsed < total {
		step := time.Duration(h.gaussian(400, 1600)) * time.Millisecond
		if step > total-elapsed {
			step = total - elapsed
		}
		if err := h.sleep(ctx, step); err != nil {
			return err
		}
		elapsed += step
		if elapsed < total && h.float() < 0.3 {
			if _, err := h.surface.Shell(ctx, "dumpsys power | grep -m1 mWakefulness"); err != nil {
				h.log.Debug().Err(err).Msg("idle probe failed")
			}
		}
	}
	return nil
}
