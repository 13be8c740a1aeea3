package transfer

import (
	"math"
	"math/bits"
	"sync/atomic"

	"racesync/pkg/protocol"
)

// 单条玩家记录占 7 个字（28 字节）: slot, x, y, z, yaw, pitch, serverTimeMs
const recordWords = 7

// DefaultRingCapacity 默认环形缓冲槽位数
const DefaultRingCapacity = 64

// Record 入站环形缓冲中的玩家记录
type Record struct {
	Slot         uint8
	X, Y, Z      float32
	Yaw, Pitch   float32
	ServerTimeMs uint32
}

type ringSlot struct {
	// 写完后为 index+1，写入进行中为 0
	seq   atomic.Uint32
	count atomic.Uint32
	words [protocol.MaxBatchPlayers * recordWords]atomic.Uint32
}

// InboundRing 入站环形缓冲：网络协程单写，渲染协程单读
type InboundRing struct {
	writeIndex atomic.Uint32
	mask       uint32
	slots      []ringSlot

	// 仅读端使用
	scratch [protocol.MaxBatchPlayers]Record
}

// NewInboundRing 创建环形缓冲，容量向上取整为 2 的幂（最小 2）
func NewInboundRing(capacity int) *InboundRing {
	if capacity < 2 {
		capacity = 2
	}
	n := uint32(1) << bits.Len32(uint32(capacity-1))
	return &InboundRing{
		mask:  n - 1,
		slots: make([]ringSlot, n),
	}
}

// Capacity 返回槽位数
func (r *InboundRing) Capacity() int {
	return len(r.slots)
}

// WriteIndex 返回已发布的批次总数
func (r *InboundRing) WriteIndex() uint32 {
	return r.writeIndex.Load()
}

// Write 写入一个批次，仅允许单一写入者调用
// 超过 MaxBatchPlayers 的记录被截断
func (r *InboundRing) Write(players []protocol.PlayerRecord) {
	if len(players) > protocol.MaxBatchPlayers {
		players = players[:protocol.MaxBatchPlayers]
	}

	idx := r.writeIndex.Load()
	s := &r.slots[idx&r.mask]
	s.seq.Store(0)
	s.count.Store(uint32(len(players)))
	for i := range players {
		p := &players[i]
		w := s.words[i*recordWords : (i+1)*recordWords]
		w[0].Store(uint32(p.Slot))
		w[1].Store(math.Float32bits(p.State.Pos.X))
		w[2].Store(math.Float32bits(p.State.Pos.Y))
		w[3].Store(math.Float32bits(p.State.Pos.Z))
		w[4].Store(math.Float32bits(p.State.Yaw))
		w[5].Store(math.Float32bits(p.State.Pitch))
		w[6].Store(p.ServerTimeMs)
	}
	s.seq.Store(idx + 1)
	r.writeIndex.Store(idx + 1)
}

// DrainSince 读取 lastRead 之后发布的全部批次，对每条记录调用 onRecord
//
// 落后超过容量时直接跳到 writeIndex-capacity，宁可丢掉最旧的批次也不读撕裂数据。
// 读取过程中被写端覆盖的槽同样计入 skipped，不会调用 onRecord。
// 返回新的 lastRead 以及跳过的批次数。仅允许单一读取者调用。
func (r *InboundRing) DrainSince(lastRead uint32, onRecord func(Record)) (next, skipped uint32) {
	w := r.writeIndex.Load()
	capacity := uint32(len(r.slots))
	if w-lastRead > capacity {
		skipped = w - capacity - lastRead
		lastRead = w - capacity
	}

	for idx := lastRead; idx != w; idx++ {
		s := &r.slots[idx&r.mask]
		if s.seq.Load() != idx+1 {
			skipped++
			continue
		}
		n := int(s.count.Load())
		if n > protocol.MaxBatchPlayers {
			n = protocol.MaxBatchPlayers
		}
		for i := 0; i < n; i++ {
			words := s.words[i*recordWords : (i+1)*recordWords]
			rec := &r.scratch[i]
			rec.Slot = uint8(words[0].Load())
			rec.X = math.Float32frombits(words[1].Load())
			rec.Y = math.Float32frombits(words[2].Load())
			rec.Z = math.Float32frombits(words[3].Load())
			rec.Yaw = math.Float32frombits(words[4].Load())
			rec.Pitch = math.Float32frombits(words[5].Load())
			rec.ServerTimeMs = words[6].Load()
		}
		// 复制期间被覆盖
		if s.seq.Load() != idx+1 {
			skipped++
			continue
		}
		for i := 0; i < n; i++ {
			onRecord(r.scratch[i])
		}
	}
	return w, skipped
}
