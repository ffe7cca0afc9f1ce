package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/types"
	"Droidfleet/pkg/uitree"
)

// fakeController answers shell commands by prefix and records every call
type fakeController struct {
	mu       sync.Mutex
	shell    []string
	raw      []string
	replies  map[string]string // shell command prefix -> output
	failures map[string]error  // shell command prefix -> error

	port       int
	portErr    error
	serial     string
	connects   int
	readyErr   error
	readyCalls int
}

func newFakeController() *fakeController {
	return &fakeController{
		replies:  map[string]string{"wm size": "Physical size: 1080x2400"},
		failures: map[string]error{},
		port:     5555,
		serial:   "127.0.0.1:5555",
	}
}

func (f *fakeController) lookup(cmd string) (string, error) {
	for prefix, err := range f.failures {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}
	best := ""
	out := ""
	for prefix, reply := range f.replies {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
			best, out = prefix, reply
		}
	}
	return out, nil
}

func (f *fakeController) GetAdbPortForInstance(ctx context.Context, name string) (int, error) {
	return f.port, f.portErr
}

func (f *fakeController) ConnectADB(ctx context.Context, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeController) ResolveAdbSerial(ctx context.Context, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serial, nil
}

func (f *fakeController) WaitForDeviceReady(ctx context.Context, serial string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	return f.readyErr
}

func (f *fakeController) ExecuteAdbCommand(ctx context.Context, serial, shellCmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shell = append(f.shell, shellCmd)
	return f.lookup(shellCmd)
}

func (f *fakeController) RunAdbCommand(ctx context.Context, serial, fullCmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, fullCmd)
	return "raw-ok", nil
}

func (f *fakeController) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.shell...)
}

func (f *fakeController) withPrefix(prefix string) []string {
	var out []string
	for _, c := range f.commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func newTestHelpers(f *fakeController, profile *types.Profile) *Helpers {
	if profile == nil {
		profile = &types.Profile{ID: 1, Name: "p1", InstanceName: "Farm-01", Port: 5555}
	}
	s := NewSession(f, 5555, "127.0.0.1:5555", zerolog.Nop())
	return NewHelpers(f, s, profile, WithSeed(1), WithPollInterval(5*time.Millisecond))
}

func intPtr(v int) *int { return &v }

const loginDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">
<node index="0" text="" class="android.widget.FrameLayout" package="com.app" content-desc="" clickable="false" enabled="true" bounds="[0,0][1080,2400]">
<node index="0" text="Login" resource-id="com.app:id/login" class="android.widget.Button" package="com.app" content-desc="" clickable="true" enabled="true" bounds="[100,200][300,250]" />
<node index="1" text="" resource-id="com.app:id/email" class="android.widget.EditText" package="com.app" content-desc="Email" clickable="true" enabled="true" bounds="[0,400][1080,500]" />
</node></hierarchy>`

func TestTapJitterWithinTolerance(t *testing.T) {
	f := newFakeController()
	h := newTestHelpers(f, nil)

	for i := 0; i < 20; i++ {
		if err := h.Tap(context.Background(), 500, 800, TapOptions{}); err != nil {
			t.Fatalf("tap failed: %v", err)
		}
	}
	for _, c := range f.withPrefix("input tap") {
		var x, y int
		if _, err := fmt.Sscanf(c, "input tap %d %d", &x, &y); err != nil {
			t.Fatalf("bad command %q", c)
		}
		if x < 480 || x > 520 || y < 780 || y > 820 {
			t.Errorf("tap (%d,%d) outside default tolerance", x, y)
		}
	}
}

func TestTapExactAndMultiTap(t *testing.T) {
	f := newFakeController()
	h := newTestHelpers(f, nil)

	if err := h.Tap(context.Background(), 10, 20, TapOptions{Tolerance: intPtr(0)}); err != nil {
		t.Fatal(err)
	}
	if got := f.withPrefix("input tap"); len(got) != 1 || got[0] != "input tap 10 20" {
		t.Fatalf("unexpected exact tap: %v", got)
	}

	f = newFakeController()
	h = newTestHelpers(f, nil)
	if err := h.Tap(context.Background(), 100, 100, TapOptions{Tolerance: intPtr(10), MultiTap: true}); err != nil {
		t.Fatal(err)
	}
	want := []string{"input tap 100 100", "input tap 90 90", "input tap 110 90", "input tap 90 110", "input tap 110 110"}
	got := f.withPrefix("input tap")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("multiTap: got %v, want %v", got, want)
	}
}

func TestRelPoint(t *testing.T) {
	tests := []struct {
		name   string
		size   types.ScreenSize
		xp, yp float64
		opts   TapRelOptions
		want   Point
	}{
		{"center on tall screen", types.ScreenSize{Width: 1080, Height: 2400}, 50, 50, TapRelOptions{}, Point{540, 1200}},
		{"matching aspect is linear", types.ScreenSize{Width: 1080, Height: 1920}, 25, 75, TapRelOptions{}, Point{270, 1440}},
		{"compensation pushes away from center", types.ScreenSize{Width: 1080, Height: 2400}, 50, 75, TapRelOptions{}, Point{540, 1875}},
		{"custom base disables compensation", types.ScreenSize{Width: 1080, Height: 2400}, 50, 75, TapRelOptions{BaseWidth: 1080, BaseHeight: 2400}, Point{540, 1800}},
		{"top-right anchor", types.ScreenSize{Width: 1000, Height: 2000}, 10, 5, TapRelOptions{Anchor: AnchorTopRight}, Point{900, 50}},
		{"bottom-left anchor", types.ScreenSize{Width: 1000, Height: 2000}, 10, 5, TapRelOptions{Anchor: AnchorBottomLeft}, Point{100, 1950}},
		{"center anchor", types.ScreenSize{Width: 1000, Height: 2000}, 0, 0, TapRelOptions{Anchor: AnchorCenter}, Point{500, 1000}},
		{"clamped", types.ScreenSize{Width: 1000, Height: 2000}, 120, -10, TapRelOptions{BaseWidth: 1000, BaseHeight: 2000}, Point{999, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RelPoint(tt.size, tt.xp, tt.yp, tt.opts)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTapRelOnDevice(t *testing.T) {
	f := newFakeController()
	h := newTestHelpers(f, nil)

	p, err := h.TapRel(context.Background(), 50, 50, TapRelOptions{Tolerance: intPtr(0)})
	if err != nil {
		t.Fatal(err)
	}
	if p.X != 540 || p.Y != 1200 {
		t.Errorf("got %+v, want (540,1200)", p)
	}
	if got := f.withPrefix("input tap"); len(got) != 1 || got[0] != "input tap 540 1200" {
		t.Errorf("unexpected tap: %v", got)
	}
}

func TestParseScreenSize(t *testing.T) {
	tests := []struct {
		out  string
		want types.ScreenSize
		ok   bool
	}{
		{"Physical size: 1080x2400", types.ScreenSize{Width: 1080, Height: 2400}, true},
		{"Physical size: 1080x2400\nOverride size: 720x1600", types.ScreenSize{Width: 720, Height: 1600}, true},
		{"garbage", types.ScreenSize{Width: 360, Height: 640}, false},
	}
	for _, tt := range tests {
		got, ok := ParseScreenSize(tt.out)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseScreenSize(%q) = %+v,%v want %+v,%v", tt.out, got, ok, tt.want, tt.ok)
		}
	}
}

func TestKeyCode(t *testing.T) {
	tests := map[string]string{
		"HOME":            "3",
		"back":            "4",
		"MENU":            "82",
		"ENTER":           "66",
		"DELETE":          "67",
		"KEYCODE_ENTER":   "66",
		"24":              "24",
		"MEDIA_PLAY":      "KEYCODE_MEDIA_PLAY",
		"KEYCODE_CAMERA2": "KEYCODE_CAMERA2",
	}
	for in, want := range tests {
		if got := KeyCode(in); got != want {
			t.Errorf("KeyCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEscapeInputText(t *testing.T) {
	tests := map[string]string{
		"hello world": "hello%sworld",
		"it's":        `it\'s`,
		"a&b;c":       `a\&b\;c`,
		"$(id)":       `\$\(id\)`,
	}
	for in, want := range tests {
		if got := EscapeInputText(in); got != want {
			t.Errorf("EscapeInputText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTypeNonASCIIWithoutKeyboard(t *testing.T) {
	f := newFakeController()
	h := newTestHelpers(f, nil)
	err := h.Type(context.Background(), "héllo")
	if err == nil || !strings.Contains(err.Error(), "com.android.adbkeyboard") {
		t.Fatalf("expected ADBKeyboard error, got %v", err)
	}
}

func TestTypeNonASCIIViaKeyboard(t *testing.T) {
	f := newFakeController()
	f.replies["pm list packages"] = "package:com.android.adbkeyboard"
	f.replies["settings get secure default_input_method"] = "com.android.inputmethod.latin/.LatinIME"
	f.replies["am broadcast"] = "Broadcast completed: result=0"
	h := newTestHelpers(f, nil)

	if err := h.Type(context.Background(), "héllo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sets := f.withPrefix("ime set")
	if len(sets) != 2 || sets[1] != "ime set com.android.inputmethod.latin/.LatinIME" {
		t.Errorf("previous IME not restored: %v", sets)
	}
	if len(f.withPrefix("am broadcast -a ADB_INPUT_B64 --es msg aMOpbGxv")) != 1 {
		t.Errorf("broadcast not sent: %v", f.commands())
	}
}

func TestFindElementLogin(t *testing.T) {
	f := newFakeController()
	f.replies["uiautomator dump"] = loginDump
	h := newTestHelpers(f, nil)

	el, err := h.FindElement(context.Background(), "Login", "text")
	if err != nil {
		t.Fatal(err)
	}
	if el.X != 200 || el.Y != 225 {
		t.Errorf("got (%d,%d), want (200,225)", el.X, el.Y)
	}

	if _, err := h.TapByID(context.Background(), "login"); err != nil {
		t.Fatal(err)
	}
	if got := f.withPrefix("input tap"); len(got) != 1 || got[0] != "input tap 200 225" {
		t.Errorf("unexpected taps: %v", got)
	}
}

func TestDumpRetriesAndPkill(t *testing.T) {
	f := newFakeController()
	f.failures["uiautomator dump"] = errors.New("exit status 137")
	h := newTestHelpers(f, nil)

	start := time.Now()
	_, err := h.DumpUI(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := len(f.withPrefix("uiautomator dump")); got != 3 {
		t.Errorf("expected 3 dump attempts, got %d", got)
	}
	if got := len(f.withPrefix("pkill uiautomator")); got != 2 {
		t.Errorf("expected 2 pkill calls, got %d", got)
	}
	if time.Since(start) < time.Second {
		t.Errorf("retries should back off")
	}
}

func TestExistsSwallowsErrors(t *testing.T) {
	f := newFakeController()
	f.replies["uiautomator dump"] = loginDump
	h := newTestHelpers(f, nil)

	if !h.Exists(context.Background(), "Email", "desc") {
		t.Error("Email should exist")
	}
	if h.ExistsByXPath(context.Background(), "//node[@text='Nope']") {
		t.Error("Nope should not exist")
	}
	if h.ExistsByXPath(context.Background(), "//node[") {
		t.Error("invalid xpath should be reported as absent")
	}
}

func TestWaitForXPathTimeout(t *testing.T) {
	f := newFakeController()
	f.replies["uiautomator dump"] = loginDump
	h := newTestHelpers(f, nil)

	_, err := h.WaitForXPath(context.Background(), "//node[@text='Later']", 30*time.Millisecond)
	if !errors.Is(err, uitree.ErrElementNotFound) {
		t.Fatalf("expected ErrElementNotFound, got %v", err)
	}

	el, err := h.WaitForText(context.Background(), "Login", time.Second)
	if err != nil || el.Text != "Login" {
		t.Fatalf("WaitForText: %+v, %v", el, err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	f := newFakeController()
	f.replies["uiautomator dump"] = loginDump
	h := newTestHelpers(f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.WaitForElement(ctx, "Later", "text", time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestScrollAndSwipePath(t *testing.T) {
	f := newFakeController()
	h := newTestHelpers(f, nil)

	if err := h.ScrollDown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.withPrefix("input swipe"); len(got) != 1 || got[0] != "input swipe 540 1680 540 720 300" {
		t.Errorf("unexpected scroll: %v", got)
	}

	f.failures["input motionevent"] = errors.New("unknown command")
	pts := []Point{{0, 0}, {10, 10}, {20, 20}}
	if err := h.SwipePath(context.Background(), pts, 200); err != nil {
		t.Fatal(err)
	}
	if got := f.withPrefix("input swipe"); len(got) != 3 {
		t.Errorf("expected fallback to 2 segments, got %v", got)
	}
}

func TestScreenshotAndApps(t *testing.T) {
	f := newFakeController()
	h := newTestHelpers(f, nil)

	path, err := h.Screenshot(context.Background(), "")
	if err != nil || !strings.HasPrefix(path, "/sdcard/screenshot_") {
		t.Fatalf("Screenshot: %q, %v", path, err)
	}
	if err := h.LaunchApp(context.Background(), "com.twitter.android"); err != nil {
		t.Fatal(err)
	}
	if err := h.KillApp(context.Background(), "com.twitter.android"); err != nil {
		t.Fatal(err)
	}
	if err := h.LaunchApp(context.Background(), "x; reboot"); err == nil {
		t.Error("expected invalid package error")
	}
	if len(f.withPrefix("monkey -p com.twitter.android -c android.intent.category.LAUNCHER 1")) != 1 {
		t.Errorf("launch command missing: %v", f.commands())
	}
	if len(f.withPrefix("am force-stop com.twitter.android")) != 1 {
		t.Errorf("kill command missing: %v", f.commands())
	}
}

func TestAccounts(t *testing.T) {
	profile := &types.Profile{ID: 1, Metadata: map[string]any{
		"accounts": []any{
			map[string]any{"platform": "twitter", "username": "alice", "password": "pw"},
		},
	}}
	h := newTestHelpers(newFakeController(), profile)
	acc := h.GetAccount("Twitter")
	if acc == nil || acc.Username != "alice" {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if h.GetAccount("instagram") != nil {
		t.Error("expected nil for unknown platform")
	}
	if len(h.GetAllAccounts()) != 1 {
		t.Error("expected one account")
	}
}
