package device

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/types"
)

const (
	// DefaultTolerance is the tap jitter half-width in pixels
	DefaultTolerance = 20
	// DefaultWaitTimeout bounds waitFor* polls
	DefaultWaitTimeout = 10 * time.Second
	// PollInterval is the waitFor* polling period
	PollInterval = 500 * time.Millisecond

	defaultSwipeDuration = 300
)

// keyCodes maps symbolic key names to Android keycodes
var keyCodes = map[string]int{
	"HOME":        3,
	"BACK":        4,
	"CALL":        5,
	"ENDCALL":     6,
	"VOLUME_UP":   24,
	"VOLUME_DOWN": 25,
	"POWER":       26,
	"CAMERA":      27,
	"TAB":         61,
	"SPACE":       62,
	"ENTER":       66,
	"DELETE":      67,
	"DEL":         67,
	"MENU":        82,
	"SEARCH":      84,
	"ESCAPE":      111,
	"APP_SWITCH":  187,
	"RECENTS":     187,
}

// Point is a screen coordinate
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// TapOptions controls a single tap. A nil Tolerance means DefaultTolerance.
type TapOptions struct {
	Tolerance *int
	MultiTap  bool
}

// Helpers is the action surface bound to one session. Every device effect of
// a script goes through it.
type Helpers struct {
	ctrl    Controller
	session *Session
	profile *types.Profile
	log     zerolog.Logger
	logf    func(string)

	rngMu sync.Mutex
	rng   *rand.Rand

	pollInterval time.Duration
}

// HelperOption configures Helpers
type HelperOption func(*Helpers)

// WithLogger sets the diagnostic logger
func WithLogger(l zerolog.Logger) HelperOption {
	return func(h *Helpers) { h.log = l }
}

// WithLogFunc routes helpers.log() to the task log
func WithLogFunc(f func(string)) HelperOption {
	return func(h *Helpers) { h.logf = f }
}

// WithSeed makes jitter deterministic
func WithSeed(seed int64) HelperOption {
	return func(h *Helpers) { h.rng = rand.New(rand.NewSource(seed)) }
}

// WithPollInterval overrides the waitFor* polling period
func WithPollInterval(d time.Duration) HelperOption {
	return func(h *Helpers) { h.pollInterval = d }
}

// NewHelpers binds the action surface to a resolved session
func NewHelpers(ctrl Controller, session *Session, profile *types.Profile, opts ...HelperOption) *Helpers {
	h := &Helpers{
		ctrl:         ctrl,
		session:      session,
		profile:      profile,
		log:          zerolog.Nop(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		pollInterval: PollInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("module", "helpers").Logger()
	return h
}

// Session returns the bound session
func (h *Helpers) Session() *Session { return h.session }

// Shell runs a device shell command on the bound serial. Failures are logged and returned.
func (h *Helpers) Shell(ctx context.Context, cmd string) (string, error) {
	serial := h.session.Serial()
	out, err := h.ctrl.ExecuteAdbCommand(ctx, serial, cmd)
	if err != nil {
		h.log.Debug().Str("serial", serial).Str("cmd", cmd).Err(err).Msg("shell command failed")
		return out, fmt.Errorf("adb shell %q: %w", cmd, err)
	}
	return out, nil
}

func (h *Helpers) intn(n int) int {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Intn(n)
}

func (h *Helpers) jitter(v, tolerance int) int {
	if tolerance <= 0 {
		return v
	}
	return v + h.intn(2*tolerance+1) - tolerance
}

// Tap taps at (x, y) jittered within ±tolerance. MultiTap also hits the four
// corners of the tolerance square.
func (h *Helpers) Tap(ctx context.Context, x, y int, opts TapOptions) error {
	tol := DefaultTolerance
	if opts.Tolerance != nil {
		tol = *opts.Tolerance
	}
	if tol < 0 {
		tol = 0
	}

	if !opts.MultiTap {
		_, err := h.Shell(ctx, fmt.Sprintf("input tap %d %d", clampMin(h.jitter(x, tol)), clampMin(h.jitter(y, tol))))
		return err
	}

	corner := tol
	if corner == 0 {
		corner = DefaultTolerance
	}
	points := []Point{
		{x, y},
		{x - corner, y - corner},
		{x + corner, y - corner},
		{x - corner, y + corner},
		{x + corner, y + corner},
	}
	for i, p := range points {
		if i > 0 {
			if err := Sleep(ctx, 50*time.Millisecond); err != nil {
				return err
			}
		}
		if _, err := h.Shell(ctx, fmt.Sprintf("input tap %d %d", clampMin(p.X), clampMin(p.Y))); err != nil {
			return err
		}
	}
	return nil
}

func clampMin(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// Swipe performs a single straight swipe gesture
func (h *Helpers) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	if durationMs <= 0 {
		durationMs = defaultSwipeDuration
	}
	_, err := h.Shell(ctx, fmt.Sprintf("input swipe %d %d %d %d %d", x1, y1, x2, y2, durationMs))
	return err
}

// SwipePath replays a multi-point path. It first tries one motionevent chain
// and falls back to consecutive short swipes on devices without motionevent.
func (h *Helpers) SwipePath(ctx context.Context, points []Point, durationMs int) error {
	if len(points) < 2 {
		return fmt.Errorf("swipe path needs at least 2 points, got %d", len(points))
	}
	if durationMs <= 0 {
		durationMs = defaultSwipeDuration
	}

	var b strings.Builder
	last := len(points) - 1
	step := float64(durationMs) / float64(last) / 1000
	fmt.Fprintf(&b, "input motionevent DOWN %d %d", points[0].X, points[0].Y)
	for _, p := range points[1:last] {
		fmt.Fprintf(&b, " && sleep %.3f && input motionevent MOVE %d %d", step, p.X, p.Y)
	}
	fmt.Fprintf(&b, " && input motionevent UP %d %d", points[last].X, points[last].Y)

	out, err := h.Shell(ctx, b.String())
	if err == nil && !strings.Contains(out, "Error") && !strings.Contains(out, "Unknown") {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	h.log.Debug().Err(err).Msg("motionevent unsupported, approximating path with segments")

	seg := durationMs / last
	if seg < 10 {
		seg = 10
	}
	for i := 0; i < last; i++ {
		a, c := points[i], points[i+1]
		if err := h.Swipe(ctx, a.X, a.Y, c.X, c.Y, seg); err != nil {
			return err
		}
	}
	return nil
}

// Screenshot captures the screen to a device path and returns that path
func (h *Helpers) Screenshot(ctx context.Context, path string) (string, error) {
	if path == "" {
		path = fmt.Sprintf("/sdcard/screenshot_%d.png", time.Now().UnixMilli())
	}
	if _, err := h.Shell(ctx, "screencap -p "+shellQuote(path)); err != nil {
		return "", err
	}
	return path, nil
}

// KeyCode maps a key name to its keycode argument. Unknown names pass through
// as KEYCODE_<NAME>, numeric names stay numeric.
func KeyCode(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "KEYCODE_")
	if code, ok := keyCodes[n]; ok {
		return strconv.Itoa(code)
	}
	if _, err := strconv.Atoi(n); err == nil {
		return n
	}
	return "KEYCODE_" + n
}

// PressKey sends one key event
func (h *Helpers) PressKey(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("key name is required")
	}
	_, err := h.Shell(ctx, "input keyevent "+KeyCode(name))
	return err
}

// LaunchApp starts the package's launcher activity
func (h *Helpers) LaunchApp(ctx context.Context, pkg string) error {
	if err := validatePackage(pkg); err != nil {
		return err
	}
	_, err := h.Shell(ctx, fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", pkg))
	return err
}

// KillApp force-stops the package
func (h *Helpers) KillApp(ctx context.Context, pkg string) error {
	if err := validatePackage(pkg); err != nil {
		return err
	}
	_, err := h.Shell(ctx, "am force-stop "+pkg)
	return err
}

func validatePackage(pkg string) error {
	if pkg == "" {
		return fmt.Errorf("package name is required")
	}
	for _, r := range pkg {
		if !(r == '.' || r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fmt.Errorf("invalid package name %q", pkg)
		}
	}
	return nil
}

// ScrollDown swipes up from 70% to 30% of the screen height
func (h *Helpers) ScrollDown(ctx context.Context) error {
	size, err := h.GetScreenSize(ctx)
	if err != nil {
		return err
	}
	x := size.Width / 2
	return h.Swipe(ctx, x, size.Height*7/10, x, size.Height*3/10, defaultSwipeDuration)
}

// ScrollUp swipes down from 30% to 70% of the screen height
func (h *Helpers) ScrollUp(ctx context.Context) error {
	size, err := h.GetScreenSize(ctx)
	if err != nil {
		return err
	}
	x := size.Width / 2
	return h.Swipe(ctx, x, size.Height*3/10, x, size.Height*7/10, defaultSwipeDuration)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sleep pauses the script for ms milliseconds
func (h *Helpers) Sleep(ctx context.Context, ms int) error {
	return Sleep(ctx, time.Duration(ms)*time.Millisecond)
}

// RandomDelay sleeps a uniformly random duration in [minMs, maxMs]
func (h *Helpers) RandomDelay(ctx context.Context, minMs, maxMs int) error {
	if maxMs < minMs {
		minMs, maxMs = maxMs, minMs
	}
	d := minMs
	if maxMs > minMs {
		d += h.intn(maxMs - minMs + 1)
	}
	return h.Sleep(ctx, d)
}

// Adb runs a raw adb command ("shell ls", "pull a b") on the bound serial
func (h *Helpers) Adb(ctx context.Context, cmd string) (string, error) {
	cmd = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cmd), "adb "))
	out, err := h.ctrl.RunAdbCommand(ctx, h.session.Serial(), cmd)
	if err != nil {
		return out, fmt.Errorf("adb %q: %w", cmd, err)
	}
	return out, nil
}

// AdbShell runs a raw shell command on the bound serial
func (h *Helpers) AdbShell(ctx context.Context, cmd string) (string, error) {
	return h.Shell(ctx, cmd)
}

// Log forwards to the task log
func (h *Helpers) Log(msg string) {
	if h.logf != nil {
		h.logf(msg)
		return
	}
	h.log.Info().Msg(msg)
}

// GetAccount returns the stored account for platform, nil when absent
func (h *Helpers) GetAccount(platform string) *types.Account {
	return h.profile.Account(platform)
}

// GetAllAccounts returns every stored account
func (h *Helpers) GetAllAccounts() []types.Account {
	accounts := h.profile.Accounts()
	if accounts == nil {
		return []types.Account{}
	}
	return accounts
}

// CheckConnection reports whether the device answers a shell round trip
func (h *Helpers) CheckConnection(ctx context.Context) bool {
	out, err := h.ctrl.ExecuteAdbCommand(ctx, h.session.Serial(), "echo ok")
	return err == nil && strings.TrimSpace(out) == "ok"
}

// Reconnect re-establishes the adb link on the session's port
func (h *Helpers) Reconnect(ctx context.Context) error {
	return h.session.Reconnect(ctx)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
