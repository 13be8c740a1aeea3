package client

import "time"

// Backoff 指数退避计数器
//
// 第 n 次尝试的延迟为 base*2^(n-1)，封顶 max；超过 maxAttempts 后放弃。
type Backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int

	attempt int
	delay   time.Duration
}

// NewBackoff 创建退避计数器，maxAttempts <= 0 表示不限次数
func NewBackoff(base, max time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, maxAttempts: maxAttempts}
}

// Next 推进一次尝试，返回本次等待时长；已达上限时 ok=false
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.maxAttempts > 0 && b.attempt >= b.maxAttempts {
		return 0, false
	}
	b.attempt++
	if b.attempt == 1 {
		b.delay = b.base
	} else if b.delay < b.max {
		b.delay *= 2
	}
	if b.delay > b.max {
		b.delay = b.max
	}
	return b.delay, true
}

// Reset 连接成功后清零
func (b *Backoff) Reset() {
	b.attempt = 0
	b.delay = 0
}

// Attempt 当前尝试次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Delay 最近一次计算的延迟
func (b *Backoff) Delay() time.Duration {
	return b.delay
}
