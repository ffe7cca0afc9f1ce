package types

import "fmt"

// Session is the live ADB endpoint resolved for one task execution
type Session struct {
	ActualPort   int    `json:"actualPort"`
	DeviceSerial string `json:"deviceSerial"`
}

// Bounds is an element rectangle as reported by uiautomator ("[x1,y1][x2,y2]")
type Bounds struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Center returns the midpoint of the bounds
func (b Bounds) Center() (int, int) {
	return b.X1 + (b.X2-b.X1)/2, b.Y1 + (b.Y2-b.Y1)/2
}

// Contains checks if point (x, y) is inside the bounds
func (b Bounds) Contains(x, y int) bool {
	return x >= b.X1 && x <= b.X2 && y >= b.Y1 && y <= b.Y2
}

// Width returns the horizontal extent
func (b Bounds) Width() int { return b.X2 - b.X1 }

// Height returns the vertical extent
func (b Bounds) Height() int { return b.Y2 - b.Y1 }

func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", b.X1, b.Y1, b.X2, b.Y2)
}

// UIElement is one node matched in a UI dump. It is recomputed on every query.
type UIElement struct {
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Bounds      Bounds `json:"bounds"`
	Text        string `json:"text,omitempty"`
	ResourceID  string `json:"resourceId,omitempty"`
	ClassName   string `json:"className,omitempty"`
	ContentDesc string `json:"contentDesc,omitempty"`
	Package     string `json:"package,omitempty"`
	Clickable   bool   `json:"clickable"`
	Enabled     bool   `json:"enabled"`
}

// ScreenSize is the effective display resolution of a device
type ScreenSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Aspect returns height divided by width
func (s ScreenSize) Aspect() float64 {
	if s.Width == 0 {
		return 0
	}
	return float64(s.Height) / float64(s.Width)
}
