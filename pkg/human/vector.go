package human

import "math"

// Vector2D is a point or direction on screen
type Vector2D struct {
	X, Y float64
}

func (v Vector2D) Add(o Vector2D) Vector2D { return Vector2D{v.X + o.X, v.Y + o.Y} }

func (v Vector2D) Sub(o Vector2D) Vector2D { return Vector2D{v.X - o.X, v.Y - o.Y} }

func (v Vector2D) Mul(s float64) Vector2D { return Vector2D{v.X * s, v.Y * s} }

func (v Vector2D) Mag() float64 { return math.Hypot(v.X, v.Y) }

// Normalize returns the unit vector, or zero for a zero vector
func (v Vector2D) Normalize() Vector2D {
	m := v.Mag()
	if m == 0 {
		return Vector2D{}
	}
	return v.Mul(1 / m)
}

// Perp is v rotated by 90 degrees
func (v Vector2D) Perp() Vector2D { return Vector2D{-v.Y, v.X} }

// easeInOutCubic gives slow start, fast middle, slow end
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// bezier evaluates a cubic Bezier curve at t
func bezier(p0, p1, p2, p3 Vector2D, t float64) Vector2D {
	omt := 1 - t
	omt2 := omt * omt
	t2 := t * t
	return p0.Mul(omt2 * omt).Add(p1.Mul(3 * omt2 * t)).Add(p2.Mul(3 * omt * t2)).Add(p3.Mul(t2 * t))
}
