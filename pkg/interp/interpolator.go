// Package interp 把稀疏、抖动、可能乱序的服务器快照重建为逐帧连续的位姿。
//
// 每个远端实体一个 Interpolator，只在渲染协程上使用。流程：
// 时钟偏移估计把服务器时间换算成本地时间，抖动 EMA 决定自适应渲染延迟，
// 渲染时间落在两个快照之间时用三次 Hermite 样条插值，超出最新快照时按速度有限外推。
package interp

import (
	"math"
	"time"
)

// State 插值器状态
type State int

const (
	StateUninitialized State = iota
	StateBuffering           // 只有一个快照
	StateSteady              // 可以插值
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBuffering:
		return "buffering"
	case StateSteady:
		return "steady"
	default:
		return "unknown"
	}
}

// Snapshot 一个远端实体的带时间戳位姿样本
type Snapshot struct {
	Pos   Vec3
	Yaw   float64
	Pitch float64
	// ServerTimeMs 服务器时间戳；HasServerTime 为 false 时以到达时间为准
	ServerTimeMs  float64
	HasServerTime bool
}

// Pose Sample 的输出
type Pose struct {
	Pos   Vec3
	Yaw   float64
	Pitch float64
}

// Interpolator 单个实体的快照插值器
type Interpolator struct {
	nominal     float64
	maxExtrap   float64
	minVelDt    float64
	jitterAlpha float64
	maxSnaps    int
	now         func() float64

	pool  *Pool
	buf   []*bufferedSnapshot
	clock ClockOffset

	jitter      float64
	delay       float64
	lastArrival float64
	hasArrival  bool
	state       State
}

// New 创建插值器；pool 为空时使用私有池
func New(cfg Config, pool *Pool) *Interpolator {
	if cfg.MaxSnapshots < 2 {
		cfg.MaxSnapshots = 2
	}
	if cfg.Now == nil {
		cfg.Now = MonotonicMs
	}
	if pool == nil {
		pool = NewPool(cfg.MaxSnapshots + 1)
	}
	it := &Interpolator{
		nominal:     ms(cfg.NominalInterval),
		maxExtrap:   ms(cfg.ExtrapolationLimit),
		minVelDt:    ms(cfg.MinVelocityDt),
		jitterAlpha: cfg.JitterAlpha,
		maxSnaps:    cfg.MaxSnapshots,
		now:         cfg.Now,
		pool:        pool,
		buf:         make([]*bufferedSnapshot, 0, cfg.MaxSnapshots),
		clock:       NewClockOffset(cfg.ClockFastSamples, cfg.ClockAlpha, ms(cfg.ClockResetThreshold)),
	}
	it.delay = 2 * it.nominal
	return it
}

// Push 缓存一个快照
//
// 不做重排：迟到的旧包直接追加，Sample 总是全量查找区间。
func (it *Interpolator) Push(s Snapshot) {
	now := it.now()

	t := now
	if s.HasServerTime {
		t = it.clock.Observe(now, s.ServerTimeMs)
	}

	if it.hasArrival {
		dev := math.Abs((now - it.lastArrival) - it.nominal)
		it.jitter += it.jitterAlpha * (dev - it.jitter)
		it.delay = clamp(2*it.nominal+2*it.jitter, 1.5*it.nominal, 4*it.nominal)
	}
	it.lastArrival = now
	it.hasArrival = true

	snap := it.pool.get()
	snap.pos = s.Pos
	snap.yaw = s.Yaw
	snap.pitch = s.Pitch
	snap.t = t
	if n := len(it.buf); n > 0 {
		prev := it.buf[n-1]
		dt := t - prev.t
		if math.Abs(dt) < it.minVelDt {
			snap.vel = prev.vel
		} else {
			snap.vel = s.Pos.Sub(prev.pos).Scale(1000 / dt)
		}
	}

	// 满了就淘汰时间戳最早的快照，而不是最早到达的
	if len(it.buf) == it.maxSnaps {
		victim := it.oldest()
		if snap.t <= it.buf[victim].t {
			it.pool.put(snap)
			return
		}
		it.removeAt(victim)
	}
	it.buf = append(it.buf, snap)

	if len(it.buf) >= 2 {
		it.state = StateSteady
	} else if it.state == StateUninitialized {
		it.state = StateBuffering
	}
}

// Sample 返回当前渲染帧的位姿，缓冲为空时 ok=false
//
// 渲染时间 = 本地连续时钟 - 自适应延迟，因此在两次网络包之间也会平滑推进。
func (it *Interpolator) Sample() (pose Pose, ok bool) {
	switch len(it.buf) {
	case 0:
		return Pose{}, false
	case 1:
		s := it.buf[0]
		return Pose{Pos: s.pos, Yaw: s.yaw, Pitch: s.pitch}, true
	}

	renderTime := it.now() - it.delay

	before, after, oldest := -1, -1, 0
	for i, s := range it.buf {
		if s.t <= renderTime {
			if before < 0 || s.t >= it.buf[before].t {
				before = i
			}
		} else if after < 0 || s.t < it.buf[after].t {
			after = i
		}
		if s.t < it.buf[oldest].t {
			oldest = i
		}
	}

	switch {
	case before >= 0 && after >= 0:
		a, b := it.buf[before], it.buf[after]
		span := b.t - a.t
		u := (renderTime - a.t) / span
		spanSec := span / 1000
		pose.Pos = hermite(a.pos, a.vel.Scale(spanSec), b.pos, b.vel.Scale(spanSec), u)
		pose.Yaw = LerpAngle(a.yaw, b.yaw, u)
		pose.Pitch = a.pitch + (b.pitch-a.pitch)*u
	case before >= 0:
		// 超出最新快照，有限外推
		last := it.buf[before]
		ahead := math.Min(renderTime-last.t, it.maxExtrap)
		pose.Pos = last.pos.Add(last.vel.Scale(ahead / 1000))
		pose.Yaw = last.yaw
		pose.Pitch = last.pitch
	default:
		first := it.buf[oldest]
		return Pose{Pos: first.pos, Yaw: first.yaw, Pitch: first.pitch}, true
	}

	it.trim(it.buf[before].t)
	return pose, true
}

// trim 回收早于 cutoff 的快照，至少保留 2 个
func (it *Interpolator) trim(cutoff float64) {
	for len(it.buf) > 2 {
		victim := -1
		for i, s := range it.buf {
			if s.t < cutoff && (victim < 0 || s.t < it.buf[victim].t) {
				victim = i
			}
		}
		if victim < 0 {
			return
		}
		it.removeAt(victim)
	}
}

func (it *Interpolator) oldest() int {
	victim := 0
	for i, s := range it.buf {
		if s.t < it.buf[victim].t {
			victim = i
		}
	}
	return victim
}

func (it *Interpolator) removeAt(i int) {
	it.pool.put(it.buf[i])
	copy(it.buf[i:], it.buf[i+1:])
	it.buf[len(it.buf)-1] = nil
	it.buf = it.buf[:len(it.buf)-1]
}

// Reset 回收全部快照并回到未初始化状态
func (it *Interpolator) Reset() {
	for i, s := range it.buf {
		it.pool.put(s)
		it.buf[i] = nil
	}
	it.buf = it.buf[:0]
	it.clock.Reset()
	it.jitter = 0
	it.delay = 2 * it.nominal
	it.hasArrival = false
	it.state = StateUninitialized
}

func (it *Interpolator) State() State { return it.state }

func (it *Interpolator) Len() int { return len(it.buf) }

// Delay 当前自适应渲染延迟
func (it *Interpolator) Delay() time.Duration {
	return time.Duration(it.delay * float64(time.Millisecond))
}

// Jitter 到达间隔抖动 EMA
func (it *Interpolator) Jitter() time.Duration {
	return time.Duration(it.jitter * float64(time.Millisecond))
}

// ClockOffset 当前 localNow - serverTime 估计（毫秒）
func (it *Interpolator) ClockOffset() float64 {
	return it.clock.Offset()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
