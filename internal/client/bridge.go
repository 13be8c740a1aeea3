package client

import (
	"log"

	"golang.org/x/time/rate"

	"racesync/pkg/interp"
	"racesync/pkg/protocol"
	"racesync/pkg/transfer"
)

// EntityID 游戏层的实体标识
type EntityID uint32

// Bridge 每帧把入站环形缓冲中的新记录推给对应实体的插值器
//
// 只在渲染协程使用。
type Bridge struct {
	ring     *transfer.InboundRing
	push     func(EntityID, interp.Snapshot)
	lastRead uint32

	entities [protocol.MaxBatchPlayers]EntityID
	mapped   [protocol.MaxBatchPlayers]bool

	unmapped         uint64 // 累计
	unmappedReported uint64
	skipped          uint64
	skippedReported  uint64
	report           rate.Sometimes

	onRecord func(transfer.Record)
}

// NewBridge 从环形缓冲当前写位置开始轮询
func NewBridge(ring *transfer.InboundRing, push func(EntityID, interp.Snapshot)) *Bridge {
	b := &Bridge{
		ring:     ring,
		push:     push,
		lastRead: ring.WriteIndex(),
		report:   rate.Sometimes{Interval: unmappedReportInterval},
	}
	b.onRecord = b.deliver
	return b
}

// Map 绑定槽位到实体
func (b *Bridge) Map(slot uint8, id EntityID) {
	if int(slot) >= len(b.entities) {
		return
	}
	b.entities[slot] = id
	b.mapped[slot] = true
}

// Unmap 解除槽位绑定
func (b *Bridge) Unmap(slot uint8) {
	if int(slot) >= len(b.entities) {
		return
	}
	b.mapped[slot] = false
}

// Lookup 查询槽位对应的实体
func (b *Bridge) Lookup(slot uint8) (EntityID, bool) {
	if int(slot) >= len(b.entities) || !b.mapped[slot] {
		return 0, false
	}
	return b.entities[slot], true
}

// Poll 消费自上次以来的全部批次，返回因落后被跳过的批次数
func (b *Bridge) Poll() (skipped uint32) {
	b.lastRead, skipped = b.ring.DrainSince(b.lastRead, b.onRecord)
	b.skipped += uint64(skipped)

	if unmapped, skippedBatches := b.pending(); unmapped > 0 || skippedBatches > 0 {
		b.report.Do(func() {
			log.Printf("未映射槽位记录 %d 条, 跳过批次 %d 个", unmapped, skippedBatches)
			b.unmappedReported = b.unmapped
			b.skippedReported = b.skipped
		})
	}
	return skipped
}

// pending 上次上报以来新增的未映射记录数和跳过批次数
func (b *Bridge) pending() (unmapped, skipped uint64) {
	return b.unmapped - b.unmappedReported, b.skipped - b.skippedReported
}

func (b *Bridge) deliver(r transfer.Record) {
	if int(r.Slot) >= len(b.entities) || !b.mapped[r.Slot] {
		b.unmapped++
		return
	}
	b.push(b.entities[r.Slot], interp.Snapshot{
		Pos:           interp.Vec3{X: float64(r.X), Y: float64(r.Y), Z: float64(r.Z)},
		Yaw:           float64(r.Yaw),
		Pitch:         float64(r.Pitch),
		ServerTimeMs:  float64(r.ServerTimeMs),
		HasServerTime: true,
	})
}

// UnmappedCount 累计未映射记录数
func (b *Bridge) UnmappedCount() uint64 { return b.unmapped }

// SkippedCount 累计跳过的批次数
func (b *Bridge) SkippedCount() uint64 { return b.skipped }
