package interp

import "math"

// ClockOffset 估计 localNow - serverTime
//
// 前 fastSamples 个样本取算术平均，之后用慢速 EMA 跟踪漂移。
// 样本偏离当前估计超过 resetMs（标签页挂起、重连）时清空历史重新播种。
type ClockOffset struct {
	offset  float64
	samples int

	fastSamples int
	alpha       float64
	resetMs     float64
}

// NewClockOffset 创建时钟偏移估计器
func NewClockOffset(fastSamples int, alpha, resetMs float64) ClockOffset {
	if fastSamples < 1 {
		fastSamples = 1
	}
	return ClockOffset{fastSamples: fastSamples, alpha: alpha, resetMs: resetMs}
}

// Observe 记录一个样本并返回 serverMs 对应的本地时间
func (c *ClockOffset) Observe(localMs, serverMs float64) float64 {
	sample := localMs - serverMs
	if c.samples > 0 && math.Abs(sample-c.offset) > c.resetMs {
		c.samples = 0
	}

	if c.samples < c.fastSamples {
		c.offset = (c.offset*float64(c.samples) + sample) / float64(c.samples+1)
		c.samples++
	} else {
		c.offset += c.alpha * (sample - c.offset)
	}
	return serverMs + c.offset
}

// Offset 当前偏移估计（毫秒）
func (c *ClockOffset) Offset() float64 {
	return c.offset
}

// Samples 自上次播种以来的样本数（达到快速阶段上限后不再增长）
func (c *ClockOffset) Samples() int {
	return c.samples
}

// Reset 清空历史
func (c *ClockOffset) Reset() {
	c.offset = 0
	c.samples = 0
}
