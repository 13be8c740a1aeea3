// Package transfer 实现渲染协程与网络协程之间的无锁共享区域。
//
// 每个区域严格单写单读：出站槽由主线程写、网络协程读；入站环形缓冲由网络协程写、
// 主线程读。跨协程的唯一同步手段是 sync/atomic 计数器，负载数据同样按 32 位字
// 原子存取，因此在 Go 内存模型下无需额外的内存屏障，也能通过 -race 检查。
package transfer

import (
	"encoding/binary"
	"sync/atomic"

	"racesync/pkg/protocol"
)

const frameWords = protocol.PositionFrameSize / 4

// OutboundSlot 出站位置槽：最后写入者胜出
//
// seq 为奇数表示写入进行中，偶数表示已发布；对外暴露的代数为 seq/2。
type OutboundSlot struct {
	seq   atomic.Uint32
	words [frameWords]atomic.Uint32
}

// Write 写入一帧并发布新代数，仅允许单一写入者调用
func (s *OutboundSlot) Write(frame *protocol.PositionFrame) {
	s.seq.Add(1)
	for i := range s.words {
		s.words[i].Store(binary.LittleEndian.Uint32(frame[i*4:]))
	}
	s.seq.Add(1)
}

// Generation 返回当前已发布的代数
func (s *OutboundSlot) Generation() uint32 {
	return s.seq.Load() >> 1
}

// TryRead 若代数相对 lastSeen 有变化则复制最新帧到 dst
//
// 写入进行中或读取期间被覆盖时返回 false，下一次轮询会拿到完整的新帧。
func (s *OutboundSlot) TryRead(lastSeen uint32, dst *protocol.PositionFrame) (gen uint32, ok bool) {
	seq := s.seq.Load()
	if seq&1 == 1 {
		return lastSeen, false
	}
	gen = seq >> 1
	if gen == lastSeen {
		return lastSeen, false
	}
	for i := range s.words {
		binary.LittleEndian.PutUint32(dst[i*4:], s.words[i].Load())
	}
	if s.seq.Load() != seq {
		return lastSeen, false
	}
	return gen, true
}
