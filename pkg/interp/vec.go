package interp

import "math"

// Vec3 世界坐标
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// hermite 三次 Hermite 样条，m0/m1 为已按时间跨度缩放的切线
func hermite(p0, m0, p1, m1 Vec3, s float64) Vec3 {
	s2 := s * s
	s3 := s2 * s
	h00 := 2*s3 - 3*s2 + 1
	h10 := s3 - 2*s2 + s
	h01 := -2*s3 + 3*s2
	h11 := s3 - s2
	return p0.Scale(h00).Add(m0.Scale(h10)).Add(p1.Scale(h01)).Add(m1.Scale(h11))
}

// ShortestAngle 把角度差映射到 [-π, π)
func ShortestAngle(delta float64) float64 {
	return math.Mod(math.Mod(delta+math.Pi, 2*math.Pi)+2*math.Pi, 2*math.Pi) - math.Pi
}

// LerpAngle 沿最短路径插值偏航角
func LerpAngle(from, to, s float64) float64 {
	return ShortestAngle(from + ShortestAngle(to-from)*s)
}
