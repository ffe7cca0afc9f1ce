// Package uitree parses uiautomator hierarchy dumps and answers XPath queries
// against them. Selector lookups are translated to XPath so there is a single
// parser for every query.
package uitree

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"Droidfleet/pkg/types"
)

// ErrElementNotFound is returned when a query matches nothing
var ErrElementNotFound = errors.New("element not found")

// Document is one parsed UI dump
type Document struct {
	root *xmlquery.Node
	raw  string
}

// Clean strips whatever adb printed around the XML ("UI hierchary dumped to: ...")
// and repairs bare ampersands some apps leave in text attributes.
func Clean(raw string) string {
	if i := strings.Index(raw, "<?xml"); i != -1 {
		raw = raw[i:]
	} else if i := strings.Index(raw, "<hierarchy"); i != -1 {
		raw = raw[i:]
	}
	if j := strings.LastIndex(raw, ">"); j != -1 && j < len(raw)-1 {
		raw = raw[:j+1]
	}

	return escapeBareAmpersands(raw)
	return raw
}

// entityRef matches a well-formed reference at the start of the text after '&'
var entityRef = regexp.MustCompile(`^(?:amp|lt|gt|quot|apos|#[0-9]+|#x[0-9a-fA-F]+);`)

// escapeBareAmpersands rewrites '&' as "&amp;" unless it already starts an
// entity reference, so existing escapes survive unchanged
func escapeBareAmpersands(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for {
		i := strings.IndexByte(s, '&')
		if i == -1 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i+1])
		s = s[i+1:]
		if !entityRef.MatchString(s) {
			b.WriteString("amp;")
		}
	}
}

// Parse builds a DOM from a raw dump
func Parse(raw string) (*Document, error) {
	cleaned := Clean(raw)
	if !strings.Contains(cleaned, "<hierarchy") && !strings.Contains(cleaned, "<node") {
		return nil, fmt.Errorf("not a UI hierarchy dump (length: %d)", len(raw))
	}
	root, err := xmlquery.Parse(strings.NewReader(cleaned))
	if err != nil {
		return nil, fmt.Errorf("failed to parse UI XML (length: %d): %w", len(cleaned), err)
	}
	return &Document{root: root, raw: cleaned}, nil
}

// Raw returns the cleaned XML text
func (d *Document) Raw() string { return d.raw }

func compile(expr string) (*xpath.Expr, error) {
	e, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	return e, nil
}

// Find returns the first element matching the XPath expression
func (d *Document) Find(expr string) (types.UIElement, error) {
	e, err := compile(expr)
	if err != nil {
		return types.UIElement{}, err
	}
	var firstErr error
	for _, n := range xmlquery.QuerySelectorAll(d.root, e) {
		el, err := ToElement(n)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return el, nil
	}
	if firstErr != nil {
		return types.UIElement{}, fmt.Errorf("%w: %s (%v)", ErrElementNotFound, expr, firstErr)
	}
	return types.UIElement{}, fmt.Errorf("%w: %s", ErrElementNotFound, expr)
}

// FindAll returns every matching element that carries bounds, in document order
func (d *Document) FindAll(expr string) ([]types.UIElement, error) {
	e, err := compile(expr)
	if err != nil {
		return nil, err
	}
	nodes := xmlquery.QuerySelectorAll(d.root, e)
	out := make([]types.UIElement, 0, len(nodes))
	for _, n := range nodes {
		el, err := ToElement(n)
		if err != nil {
			continue
		}
		out = append(out, el)
	}
	return out, nil
}

// FindBySelector resolves a {selector, type} lookup through its XPath translation
func (d *Document) FindBySelector(selector, selectorType string) (types.UIElement, error) {
	expr, err := SelectorXPath(selector, selectorType)
	if err != nil {
		return types.UIElement{}, err
	}
	return d.Find(expr)
}

// FindAllBySelector is FindBySelector returning every match
func (d *Document) FindAllBySelector(selector, selectorType string) ([]types.UIElement, error) {
	expr, err := SelectorXPath(selector, selectorType)
	if err != nil {
		return nil, err
	}
	return d.FindAll(expr)
}

// Texts returns every non-empty text and content-desc value on screen
func (d *Document) Texts() []string {
	var out []string
	for _, n := range xmlquery.Find(d.root, "//node") {
		if v := n.SelectAttr("text"); v != "" {
			out = append(out, v)
		}
		if v := n.SelectAttr("content-desc"); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ToElement converts a <node> into a UIElement centered on its bounds
func ToElement(n *xmlquery.Node) (types.UIElement, error) {
	b, err := ParseBounds(n.SelectAttr("bounds"))
	if err != nil {
		return types.UIElement{}, err
	}
	x, y := b.Center()
	return types.UIElement{
		X:           x,
		Y:           y,
		Bounds:      b,
		Text:        n.SelectAttr("text"),
		ResourceID:  n.SelectAttr("resource-id"),
		ClassName:   n.SelectAttr("class"),
		ContentDesc: n.SelectAttr("content-desc"),
		Package:     n.SelectAttr("package"),
		Clickable:   n.SelectAttr("clickable") == "true",
		Enabled:     n.SelectAttr("enabled") == "true",
	}, nil
}
