package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"Droidfleet/pkg/types"
	"Droidfleet/pkg/uitree"
)

const uiDumpFile = "/data/local/tmp/view.xml"

// DumpUI dumps the hierarchy and reads it back in one shell round trip,
// retrying a flaky uiautomator up to 3 times.
func (h *Helpers) DumpUI(ctx context.Context) (string, error) {
	const maxRetries = 3
	var (
		out string
		err error
	)
	for i := 0; i < maxRetries; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if i > 0 {
			// a stuck uiautomator blocks every following dump
			_, _ = h.ctrl.ExecuteAdbCommand(ctx, h.session.Serial(), "pkill uiautomator")
			if err := Sleep(ctx, 500*time.Millisecond); err != nil {
				return "", err
			}
		}
		out, err = h.Shell(ctx, fmt.Sprintf("uiautomator dump %s && cat %s", uiDumpFile, uiDumpFile))
		if err == nil && containsXML(out) {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		h.log.Debug().Int("retry", i+1).Int("maxRetries", maxRetries).Err(err).Msg("UI dump retry")
	}
	if err == nil {
		err = fmt.Errorf("no hierarchy in output")
	}
	return "", fmt.Errorf("failed to dump UI after %d attempts: %w", maxRetries, err)
}

func containsXML(s string) bool {
	return strings.Contains(s, "<?xml") || strings.Contains(s, "<hierarchy")
}

func (h *Helpers) document(ctx context.Context) (*uitree.Document, error) {
	raw, err := h.DumpUI(ctx)
	if err != nil {
		return nil, err
	}
	return uitree.Parse(raw)
}

// FindElement dumps the screen and returns the first selector match
func (h *Helpers) FindElement(ctx context.Context, selector, selectorType string) (types.UIElement, error) {
	doc, err := h.document(ctx)
	if err != nil {
		return types.UIElement{}, err
	}
	return doc.FindBySelector(selector, selectorType)
}

// FindElements returns every selector match
func (h *Helpers) FindElements(ctx context.Context, selector, selectorType string) ([]types.UIElement, error) {
	doc, err := h.document(ctx)
	if err != nil {
		return nil, err
	}
	return doc.FindAllBySelector(selector, selectorType)
}

// FindByXPath returns the first node matching query
func (h *Helpers) FindByXPath(ctx context.Context, query string) (types.UIElement, error) {
	doc, err := h.document(ctx)
	if err != nil {
		return types.UIElement{}, err
	}
	return doc.Find(query)
}

// FindAllByXPath returns every node matching query
func (h *Helpers) FindAllByXPath(ctx context.Context, query string) ([]types.UIElement, error) {
	doc, err := h.document(ctx)
	if err != nil {
		return nil, err
	}
	return doc.FindAll(query)
}

func (h *Helpers) tapElement(ctx context.Context, el types.UIElement) error {
	zero := 0
	return h.Tap(ctx, el.X, el.Y, TapOptions{Tolerance: &zero})
}

// TapByText finds by exact text and taps the element center
func (h *Helpers) TapByText(ctx context.Context, text string) (types.UIElement, error) {
	return h.tapBySelector(ctx, text, "text")
}

// TapByID finds by resource id and taps the element center
func (h *Helpers) TapByID(ctx context.Context, id string) (types.UIElement, error) {
	return h.tapBySelector(ctx, id, "id")
}

// TapByDescription finds by content-desc and taps the element center
func (h *Helpers) TapByDescription(ctx context.Context, desc string) (types.UIElement, error) {
	return h.tapBySelector(ctx, desc, "desc")
}

func (h *Helpers) tapBySelector(ctx context.Context, selector, selectorType string) (types.UIElement, error) {
	el, err := h.FindElement(ctx, selector, selectorType)
	if err != nil {
		return el, err
	}
	return el, h.tapElement(ctx, el)
}

// TapByXPath finds by XPath and taps the element center
func (h *Helpers) TapByXPath(ctx context.Context, query string) (types.UIElement, error) {
	el, err := h.FindByXPath(ctx, query)
	if err != nil {
		return el, err
	}
	return el, h.tapElement(ctx, el)
}

// TypeByXPath focuses the matched field and types text into it
func (h *Helpers) TypeByXPath(ctx context.Context, query, text string) error {
	if _, err := h.TapByXPath(ctx, query); err != nil {
		return err
	}
	if err := Sleep(ctx, 300*time.Millisecond); err != nil {
		return err
	}
	return h.Type(ctx, text)
}

// Exists reports a selector match. Errors count as absent.
func (h *Helpers) Exists(ctx context.Context, selector, selectorType string) bool {
	_, err := h.FindElement(ctx, selector, selectorType)
	return err == nil
}

// ExistsByXPath reports an XPath match. Errors count as absent.
func (h *Helpers) ExistsByXPath(ctx context.Context, query string) bool {
	_, err := h.FindByXPath(ctx, query)
	return err == nil
}

// GetElementText returns the text of the first selector match
func (h *Helpers) GetElementText(ctx context.Context, selector, selectorType string) (string, error) {
	el, err := h.FindElement(ctx, selector, selectorType)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

// GetTextByXPath returns the text of the first XPath match
func (h *Helpers) GetTextByXPath(ctx context.Context, query string) (string, error) {
	el, err := h.FindByXPath(ctx, query)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

// WaitForElement polls for a selector match until timeout (DefaultWaitTimeout when <= 0)
func (h *Helpers) WaitForElement(ctx context.Context, selector, selectorType string, timeout time.Duration) (types.UIElement, error) {
	desc := fmt.Sprintf("%s=%s", selectorType, selector)
	return h.waitFor(ctx, timeout, desc, func(doc *uitree.Document) (types.UIElement, error) {
		return doc.FindBySelector(selector, selectorType)
	})
}

// WaitForText polls for an element with exactly this text
func (h *Helpers) WaitForText(ctx context.Context, text string, timeout time.Duration) (types.UIElement, error) {
	return h.WaitForElement(ctx, text, "text", timeout)
}

// WaitForXPath polls for an XPath match
func (h *Helpers) WaitForXPath(ctx context.Context, query string, timeout time.Duration) (types.UIElement, error) {
	return h.waitFor(ctx, timeout, "xpath="+query, func(doc *uitree.Document) (types.UIElement, error) {
		return doc.Find(query)
	})
}

func (h *Helpers) waitFor(ctx context.Context, timeout time.Duration, desc string, match func(*uitree.Document) (types.UIElement, error)) (types.UIElement, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timedOut := func() (types.UIElement, error) {
		if ctx.Err() != nil {
			return types.UIElement{}, ctx.Err()
		}
		return types.UIElement{}, fmt.Errorf("%w within %s (%s)", uitree.ErrElementNotFound, timeout, desc)
	}

	for {
		doc, err := h.document(waitCtx)
		if err == nil {
			el, ferr := match(doc)
			if ferr == nil {
				return el, nil
			}
			if !errors.Is(ferr, uitree.ErrElementNotFound) {
				// malformed selector or xpath will never match
				return types.UIElement{}, ferr
			}
		}
		select {
		case <-waitCtx.Done():
			return timedOut()
		case <-time.After(h.pollInterval):
		}
	}
}
