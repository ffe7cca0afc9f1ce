package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"Droidfleet/pkg/challenge"
	"Droidfleet/pkg/device"
	"Droidfleet/pkg/human"
	"Droidfleet/pkg/types"
	"Droidfleet/pkg/uitree"
)

// The bindings below are the objects scripts see. Every function closes over
// the task context, so cancelling the task aborts whatever call is blocking.
// Option objects arrive as generic maps and are decoded by their JSON names.

func decodeOptions(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func selectorType(t string) string {
	if t == "" {
		return "text"
	}
	return t
}

type tapOptions struct {
	Tolerance *int `json:"tolerance"`
	MultiTap  bool `json:"multiTap"`
}

type tapRelOptions struct {
	BaseWidth  int    `json:"baseWidth"`
	BaseHeight int    `json:"baseHeight"`
	Anchor     string `json:"anchor"`
	Tolerance  *int   `json:"tolerance"`
	MultiTap   bool   `json:"multiTap"`
}

func helperBindings(ctx context.Context, h *device.Helpers) map[string]any {
	return map[string]any{
		"tap": func(x, y int, opts map[string]any) error {
			var o tapOptions
			if err := decodeOptions(opts, &o); err != nil {
				return err
			}
			return h.Tap(ctx, x, y, device.TapOptions{Tolerance: o.Tolerance, MultiTap: o.MultiTap})
		},
		"swipe": func(x1, y1, x2, y2, duration int) error {
			return h.Swipe(ctx, x1, y1, x2, y2, duration)
		},
		"swipePath": func(points []any, duration int) error {
			var pts []device.Point
			raw, err := json.Marshal(points)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &pts); err != nil {
				return fmt.Errorf("invalid path: %w", err)
			}
			return h.SwipePath(ctx, pts, duration)
		},
		"type": func(text string) error {
			return h.Type(ctx, text)
		},
		"screenshot": func(path string) (string, error) {
			return h.Screenshot(ctx, path)
		},
		"pressKey": func(name string) error {
			return h.PressKey(ctx, name)
		},
		"launchApp": func(pkg string) error {
			return h.LaunchApp(ctx, pkg)
		},
		"killApp": func(pkg string) error {
			return h.KillApp(ctx, pkg)
		},
		"scrollDown": func() error {
			return h.ScrollDown(ctx)
		},
		"scrollUp": func() error {
			return h.ScrollUp(ctx)
		},
		"sleep": func(v int) error {
			return h.Sleep(ctx, v)
		},
		"randomDelay": func(minMs, maxMs int) error {
			return h.RandomDelay(ctx, minMs, maxMs)
		},
		"dumpUI": func() (string, error) {
			return h.DumpUI(ctx)
		},
		"findElement": func(selector, typ string) (types.UIElement, error) {
			return h.FindElement(ctx, selector, selectorType(typ))
		},
		// list queries report no match as an empty array
		"findElements": func(selector, typ string) ([]types.UIElement, error) {
			els, err := h.FindElements(ctx, selector, selectorType(typ))
			if errors.Is(err, uitree.ErrElementNotFound) {
				return []types.UIElement{}, nil
			}
			return els, err
		},
		"findByXPath": func(query string) (types.UIElement, error) {
			return h.FindByXPath(ctx, query)
		},
		"findAllByXPath": func(query string) ([]types.UIElement, error) {
			els, err := h.FindAllByXPath(ctx, query)
			if errors.Is(err, uitree.ErrElementNotFound) {
				return []types.UIElement{}, nil
			}
			return els, err
		},
		"tapByText": func(text string) (types.UIElement, error) {
			return h.TapByText(ctx, text)
		},
		"tapById": func(id string) (types.UIElement, error) {
			return h.TapByID(ctx, id)
		},
		"tapByDescription": func(desc string) (types.UIElement, error) {
			return h.TapByDescription(ctx, desc)
		},
		"tapByXPath": func(query string) (types.UIElement, error) {
			return h.TapByXPath(ctx, query)
		},
		"typeByXPath": func(query, text string) error {
			return h.TypeByXPath(ctx, query, text)
		},
		"exists": func(selector, typ string) bool {
			return h.Exists(ctx, selector, selectorType(typ))
		},
		"existsByXPath": func(query string) bool {
			return h.ExistsByXPath(ctx, query)
		},
		"waitForElement": func(selector, typ string, timeout int) (types.UIElement, error) {
			return h.WaitForElement(ctx, selector, selectorType(typ), ms(timeout))
		},
		"waitForText": func(text string, timeout int) (types.UIElement, error) {
			return h.WaitForText(ctx, text, ms(timeout))
		},
		"waitForXPath": func(query string, timeout int) (types.UIElement, error) {
			return h.WaitForXPath(ctx, query, ms(timeout))
		},
		"getElementText": func(selector, typ string) (string, error) {
			return h.GetElementText(ctx, selector, selectorType(typ))
		},
		"getTextByXPath": func(query string) (string, error) {
			return h.GetTextByXPath(ctx, query)
		},
		"getScreenSize": func() (types.ScreenSize, error) {
			return h.GetScreenSize(ctx)
		},
		"tapRel": func(xPercent, yPercent float64, opts map[string]any) (device.Point, error) {
			var o tapRelOptions
			if err := decodeOptions(opts, &o); err != nil {
				return device.Point{}, err
			}
			return h.TapRel(ctx, xPercent, yPercent, device.TapRelOptions{
				BaseWidth:  o.BaseWidth,
				BaseHeight: o.BaseHeight,
				Anchor:     o.Anchor,
				Tolerance:  o.Tolerance,
				MultiTap:   o.MultiTap,
			})
		},
		"swipeRel": func(x1p, y1p, x2p, y2p float64, duration int) error {
			return h.SwipeRel(ctx, x1p, y1p, x2p, y2p, duration)
		},
		"adb": func(cmd string) (string, error) {
			return h.Adb(ctx, cmd)
		},
		"adbShell": func(cmd string) (string, error) {
			return h.AdbShell(ctx, cmd)
		},
		"log": func(msg string) {
			h.Log(msg)
		},
		"getAccount": func(platform string) any {
			if acc := h.GetAccount(platform); acc != nil {
				return *acc
			}
			return nil
		},
		"getAllAccounts": func() []types.Account {
			return h.GetAllAccounts()
		},
		"checkConnection": func() bool {
			return h.CheckConnection(ctx)
		},
		"reconnect": func() error {
			return h.Reconnect(ctx)
		},
	}
}

type humanTapOptions struct {
	Tolerance *int `json:"tolerance"`
}

type humanTypeOptions struct {
	MinDelay int `json:"minDelay"`
	MaxDelay int `json:"maxDelay"`
}

type humanSwipeOptions struct {
	Duration int  `json:"duration"`
	Steps    int  `json:"steps"`
	Wobble   bool `json:"wobble"`
}

func humanBindings(ctx context.Context, hu *human.Human) map[string]any {
	tap := func(fn func(context.Context, int, int, human.TapOptions) error) func(int, int, map[string]any) error {
		return func(x, y int, opts map[string]any) error {
			var o humanTapOptions
			if err := decodeOptions(opts, &o); err != nil {
				return err
			}
			return fn(ctx, x, y, human.TapOptions{Tolerance: o.Tolerance})
		}
	}
	return map[string]any{
		"tap":      tap(hu.Tap),
		"quickTap": tap(hu.QuickTap),
		"slowTap":  tap(hu.SlowTap),
		"type": func(text string, opts map[string]any) error {
			var o humanTypeOptions
			if err := decodeOptions(opts, &o); err != nil {
				return err
			}
			return hu.Type(ctx, text, human.TypeOptions{MinDelay: o.MinDelay, MaxDelay: o.MaxDelay})
		},
		"swipe": func(x1, y1, x2, y2 int, opts map[string]any) error {
			var o humanSwipeOptions
			if err := decodeOptions(opts, &o); err != nil {
				return err
			}
			return hu.Swipe(ctx, x1, y1, x2, y2, human.SwipeOptions{Duration: o.Duration, Steps: o.Steps, Wobble: o.Wobble})
		},
		"scroll": func(direction string, distance int) error {
			return hu.Scroll(ctx, direction, distance)
		},
		"think": func() error {
			return hu.Think(ctx)
		},
		"read": func(textLength int) error {
			return hu.Read(ctx, textLength)
		},
		"delay": func(minMs, maxMs int) error {
			return hu.Delay(ctx, minMs, maxMs)
		},
		"randomOffset": func(minV, maxV int) int {
			return hu.RandomOffset(minV, maxV)
		},
		"idle": func(duration int) error {
			return hu.Idle(ctx, duration)
		},
	}
}

type handleOptions struct {
	SolveIfNeeded bool   `json:"solveIfNeeded"`
	Timeout       int    `json:"timeout"` // ms
	Sitekey       string `json:"sitekey"`
	PageURL       string `json:"pageUrl"`
}

func challengeBindings(ctx context.Context, cf *challenge.Handler) map[string]any {
	return map[string]any{
		"detect": func() challenge.Detection {
			return cf.Detect(ctx)
		},
		"wait": func(timeout int) challenge.WaitResult {
			return cf.Wait(ctx, ms(timeout))
		},
		"solve": func(opts map[string]any) challenge.SolveResult {
			var o challenge.SolveOptions
			if err := decodeOptions(opts, &o); err != nil {
				return challenge.SolveResult{Error: err.Error()}
			}
			return cf.Solve(ctx, o)
		},
		"handle": func(opts map[string]any) challenge.HandleResult {
			var o handleOptions
			if err := decodeOptions(opts, &o); err != nil {
				return challenge.HandleResult{Action: "failed", Error: err.Error()}
			}
			return cf.Handle(ctx, challenge.HandleOptions{
				SolveIfNeeded: o.SolveIfNeeded,
				WaitTimeout:   ms(o.Timeout),
				Sitekey:       o.Sitekey,
				PageURL:       o.PageURL,
			})
		},
		"getBalance": func() (float64, error) {
			return cf.GetBalance(ctx)
		},
	}
}
