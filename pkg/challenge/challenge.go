// Package challenge detects bot-challenge interstitials on the device screen
// and, when asked to, resolves Turnstile captchas through a paid solver.
package challenge

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"Droidfleet/pkg/device"
	"Droidfleet/pkg/uitree"
)

// Kind classifies what is on screen
type Kind string

const (
	KindNone       Kind = "none"
	KindJavaScript Kind = "javascript"
	KindTurnstile  Kind = "turnstile"
	KindBlocked    Kind = "blocked"
)

const DefaultWaitTimeout = 30 * time.Second

var (
	blockedMarkers = []string{
		"sorry, you have been blocked",
		"you are unable to access",
		"access denied",
		"error 1020",
		"error 1010",
	}
	turnstileMarkers = []string{
		"verify you are human",
		"challenges.cloudflare.com",
		"cf-turnstile",
		"turnstile",
	}
	jsMarkers = []string{
		"just a moment",
		"checking your browser",
		"checking if the site connection is secure",
		"ddos protection by cloudflare",
		"please wait while we verify",
	}

	sitekeyPattern = regexp.MustCompile(`0x4[A-Za-z0-9_-]{20,}`)
)

// Screen provides raw UI dumps
type Screen interface {
	DumpUI(ctx context.Context) (string, error)
}

// Solver resolves a Turnstile challenge to a token
type Solver interface {
	SolveTurnstile(ctx context.Context, sitekey, pageURL string) (string, error)
	Balance(ctx context.Context) (float64, error)
	Price() float64
}

// Detection is the result of inspecting the current screen
type Detection struct {
	Detected bool   `json:"detected"`
	Type     Kind   `json:"type"`
	Sitekey  string `json:"sitekey,omitempty"`
	PageURL  string `json:"pageUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WaitResult reports a passive wait on a JavaScript challenge
type WaitResult struct {
	Passed  bool  `json:"passed"`
	Elapsed int64 `json:"elapsed"` // ms
	Type    Kind  `json:"type"`
}

// SolveOptions identifies the captcha to solve
type SolveOptions struct {
	Sitekey string `json:"sitekey"`
	PageURL string `json:"pageUrl"`
}

// SolveResult is the structured outcome of a solve attempt
type SolveResult struct {
	Success   bool    `json:"success"`
	Token     string  `json:"token,omitempty"`
	Cost      float64 `json:"cost"`
	SolveTime int64   `json:"solveTime"` // ms
	Error     string  `json:"error,omitempty"`
}

// HandleOptions drives Handle. Solving costs money, so it is opt-in.
type HandleOptions struct {
	SolveIfNeeded bool          `json:"solveIfNeeded"`
	WaitTimeout   time.Duration `json:"-"`
	Sitekey       string        `json:"sitekey,omitempty"`
	PageURL       string        `json:"pageUrl,omitempty"`
}

// HandleResult is what Handle did
type HandleResult struct {
	Success bool    `json:"success"`
	Action  string  `json:"action"` // none, waited, solved, blocked, failed
	Type    Kind    `json:"type"`
	Token   string  `json:"token,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Handler implements the challenge surface for one session
type Handler struct {
	screen       Screen
	solver       Solver
	log          zerolog.Logger
	pollInterval time.Duration
}

// NewHandler creates a handler. solver may be nil, in which case Solve fails cleanly.
func NewHandler(screen Screen, solver Solver, logger zerolog.Logger) *Handler {
	return &Handler{
		screen:       screen,
		solver:       solver,
		log:          logger.With().Str("module", "challenge").Logger(),
		pollInterval: 2 * time.Second,
	}
}

// Classify inspects a UI dump. Blocked pages win over captcha, captcha over JS checks.
func Classify(raw string) Detection {
	doc, err := uitree.Parse(raw)
	if err != nil {
		return Detection{Type: KindNone, Error: err.Error()}
	}
	text := strings.ToLower(strings.Join(doc.Texts(), "\n"))
	rawLower := strings.ToLower(raw)

	d := Detection{Type: KindNone}
	switch {
	case containsAny(text, blockedMarkers):
		d.Type = KindBlocked
	case containsAny(text, turnstileMarkers) || strings.Contains(rawLower, "challenges.cloudflare.com"):
		d.Type = KindTurnstile
	case containsAny(text, jsMarkers):
		d.Type = KindJavaScript
	}
	if d.Type == KindNone {
		return d
	}
	d.Detected = true
	d.Sitekey = sitekeyPattern.FindString(raw)
	if el, err := doc.FindBySelector("url_bar", "id"); err == nil {
		d.PageURL = normalizeURL(el.Text)
	}
	return d
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func normalizeURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, "://") {
		return s
	}
	return "https://" + s
}

// Detect classifies the current screen. Dump failures read as no challenge.
func (h *Handler) Detect(ctx context.Context) Detection {
	raw, err := h.screen.DumpUI(ctx)
	if err != nil {
		h.log.Debug().Err(err).Msg("detect: UI dump failed, assuming no challenge")
		return Detection{Type: KindNone, Error: err.Error()}
	}
	d := Classify(raw)
	if d.Detected {
		h.log.Info().Str("type", string(d.Type)).Bool("sitekey", d.Sitekey != "").Msg("challenge detected")
	}
	return d
}

// Wait polls until no JavaScript challenge is showing or timeout elapses
func (h *Handler) Wait(ctx context.Context, timeout time.Duration) WaitResult {
	res, _ := h.wait(ctx, timeout)
	return res
}

func (h *Handler) wait(ctx context.Context, timeout time.Duration) (WaitResult, Detection) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		d := h.Detect(ctx)
		result := WaitResult{Elapsed: time.Since(start).Milliseconds(), Type: d.Type}
		if d.Type != KindJavaScript {
			result.Passed = d.Type == KindNone
			return result, d
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return result, d
		}
		step := h.pollInterval
		if step > remaining {
			step = remaining
		}
		if err := device.Sleep(ctx, step); err != nil {
			return result, d
		}
	}
}

// Solve submits the captcha to the solving service
func (h *Handler) Solve(ctx context.Context, opts SolveOptions) SolveResult {
	if opts.Sitekey == "" {
		return SolveResult{Error: "No sitekey"}
	}
	if h.solver == nil {
		return SolveResult{Error: ErrNoAPIKey.Error()}
	}
	start := time.Now()
	token, err := h.solver.SolveTurnstile(ctx, opts.Sitekey, opts.PageURL)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		h.log.Warn().Err(err).Msg("captcha solve failed")
		return SolveResult{Error: err.Error(), SolveTime: elapsed}
	}
	return SolveResult{Success: true, Token: token, Cost: h.solver.Price(), SolveTime: elapsed}
}

// Handle detects and reacts: JS challenges are waited out, Turnstile is solved
// only with SolveIfNeeded, blocked pages are reported without retry.
func (h *Handler) Handle(ctx context.Context, opts HandleOptions) HandleResult {
	d := h.Detect(ctx)
	switch d.Type {
	case KindJavaScript:
		w, last := h.wait(ctx, opts.WaitTimeout)
		if w.Passed {
			return HandleResult{Success: true, Action: "waited", Type: KindJavaScript}
		}
		if last.Type == KindTurnstile || last.Type == KindBlocked {
			// the JS check escalated, handle what is showing now
			return h.handleDetected(ctx, last, opts)
		}
		return HandleResult{Action: "failed", Type: KindJavaScript, Error: "JavaScript challenge did not clear before timeout"}
	case KindTurnstile, KindBlocked:
		return h.handleDetected(ctx, d, opts)
	default:
		return HandleResult{Success: true, Action: "none", Type: KindNone}
	}
}

func (h *Handler) handleDetected(ctx context.Context, d Detection, opts HandleOptions) HandleResult {
	if d.Type == KindBlocked {
		return HandleResult{Action: "blocked", Type: KindBlocked, Error: "Access blocked by challenge page"}
	}
	if !opts.SolveIfNeeded {
		return HandleResult{Action: "failed", Type: KindTurnstile, Error: "Turnstile challenge detected but solveIfNeeded is false"}
	}
	sitekey := opts.Sitekey
	if sitekey == "" {
		sitekey = d.Sitekey
	}
	pageURL := opts.PageURL
	if pageURL == "" {
		pageURL = d.PageURL
	}
	if sitekey == "" {
		return HandleResult{Action: "failed", Type: KindTurnstile, Error: "No sitekey"}
	}
	res := h.Solve(ctx, SolveOptions{Sitekey: sitekey, PageURL: pageURL})
	if !res.Success {
		return HandleResult{Action: "failed", Type: KindTurnstile, Error: res.Error}
	}
	return HandleResult{Success: true, Action: "solved", Type: KindTurnstile, Token: res.Token, Cost: res.Cost}
}

// GetBalance returns the solver account balance
func (h *Handler) GetBalance(ctx context.Context) (float64, error) {
	if h.solver == nil {
		return 0, ErrNoAPIKey
	}
	return h.solver.Balance(ctx)
}
