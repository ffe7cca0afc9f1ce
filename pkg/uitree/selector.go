package uitree

import (
	"fmt"
	"strings"
)

// SelectorXPath translates a selector lookup into an equivalent XPath expression.
//
//	text     exact text
//	id       exact resource-id, or the short form after ":id/"
//	class    exact class name
//	desc     exact content-desc
//	contains substring of text or content-desc
func SelectorXPath(selector, selectorType string) (string, error) {
	if selector == "" {
		return "", fmt.Errorf("selector is required")
	}
	lit := Literal(selector)
	switch strings.ToLower(selectorType) {
	case "", "text":
		return fmt.Sprintf("//node[@text=%s]", lit), nil
	case "id", "resource-id", "resourceid":
		return fmt.Sprintf("//node[@resource-id=%s or ends-with(@resource-id, %s)]", lit, Literal(":id/"+selector)), nil
	case "class", "classname":
		return fmt.Sprintf("//node[@class=%s]", lit), nil
	case "desc", "description", "content-desc":
		return fmt.Sprintf("//node[@content-desc=%s]", lit), nil
	case "contains":
		return fmt.Sprintf("//node[contains(@text, %s) or contains(@content-desc, %s)]", lit, lit), nil
	default:
		return "", fmt.Errorf("unsupported selector type %q (want text, id, class, desc or contains)", selectorType)
	}
}

// Literal quotes s as an XPath 1.0 string literal. Strings holding both quote
// kinds are assembled with concat().
func Literal(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	args := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			args = append(args, `"'"`)
		}
		if p != "" {
			args = append(args, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(args, ", ") + ")"
}
