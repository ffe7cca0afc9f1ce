package uitree

import (
	"fmt"
	"regexp"
	"strconv"

	"Droidfleet/pkg/types"
)

var boundsPattern = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// ParseBounds parses Android bounds string "[x1,y1][x2,y2]"
func ParseBounds(bounds string) (types.Bounds, error) {
	m := boundsPattern.FindStringSubmatch(bounds)
	if len(m) != 5 {
		return types.Bounds{}, fmt.Errorf("invalid bounds format: %s", bounds)
	}
	x1, _ := strconv.Atoi(m[1])
	y1, _ := strconv.Atoi(m[2])
	x2, _ := strconv.Atoi(m[3])
	y2, _ := strconv.Atoi(m[4])
	return types.Bounds{X1: x1, Y1: y1, X2: x2, Y2: y2}, nil
}
