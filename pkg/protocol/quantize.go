package protocol

import "math"

// QuantizeAngle 弧度 -> int16，四舍五入后截断到 int16 范围
func QuantizeAngle(rad float32) int16 {
	v := math.Round(float64(rad) * AngleScale)
	if math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// DequantizeAngle int16 -> 弧度
func DequantizeAngle(q int16) float32 {
	return float32(q) / AngleScale
}

// QuantizeSpeed 速度 -> uint16，负值记为 0
func QuantizeSpeed(speed float32) uint16 {
	v := math.Round(float64(speed) * SpeedScale)
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// DequantizeSpeed uint16 -> 速度
func DequantizeSpeed(q uint16) float32 {
	return float32(q) / SpeedScale
}
