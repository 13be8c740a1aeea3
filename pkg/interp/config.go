package interp

import "time"

// Config 插值器参数
type Config struct {
	// 服务器名义发送间隔
	NominalInterval time.Duration
	// 每个实体最多缓存的快照数
	MaxSnapshots int
	// 渲染时间超出最新快照时最多外推的时长
	ExtrapolationLimit time.Duration
	// 时钟偏移样本与当前估计的偏差超过该值则重新播种
	ClockResetThreshold time.Duration
	// 前 N 个样本用简单平均快速收敛
	ClockFastSamples int
	ClockAlpha       float64
	JitterAlpha      float64
	// 相邻快照时间差小于该值时沿用上一速度
	MinVelocityDt time.Duration

	// 本地单调时钟（毫秒），为空时使用 MonotonicMs
	Now func() float64
}

// DefaultConfig 默认参数，对应 20Hz 服务器
func DefaultConfig() Config {
	return Config{
		NominalInterval:     50 * time.Millisecond,
		MaxSnapshots:        20,
		ExtrapolationLimit:  150 * time.Millisecond,
		ClockResetThreshold: 500 * time.Millisecond,
		ClockFastSamples:    4,
		ClockAlpha:          0.1,
		JitterAlpha:         0.1,
		MinVelocityDt:       time.Millisecond,
	}
}

var epoch = time.Now()

// MonotonicMs 进程启动以来的单调毫秒数
func MonotonicMs() float64 {
	return float64(time.Since(epoch)) / float64(time.Millisecond)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
