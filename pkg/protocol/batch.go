package protocol

import "encoding/binary"

// PlayerRecord 批次中的单个玩家记录
type PlayerRecord struct {
	Slot         uint8
	State        PlayerState
	ServerTimeMs uint32 // 自本局开始的毫秒数
}

// BatchSize 返回 count 个玩家的批次字节数
func BatchSize(count int) int {
	return BatchHeaderSize + BatchRecordSize*count
}

// EncodeBatch 将玩家记录写入 dst，返回写入的字节数（服务器侧使用）
// 超过 MaxBatchPlayers 的记录被截断；dst 不足时返回 0
//
// 每条记录: [u8 slot][f32 x][f32 y][f32 z][i16 yaw][i16 pitch][u16 speed][u8 checkpoint][u32 serverTimeMs][u8 保留]
func EncodeBatch(dst []byte, records []PlayerRecord) int {
	count := len(records)
	if count > MaxBatchPlayers {
		count = MaxBatchPlayers
	}
	size := BatchSize(count)
	if len(dst) < size {
		return 0
	}

	dst[0] = KindBatch
	dst[1] = byte(count)
	off := BatchHeaderSize
	for i := 0; i < count; i++ {
		r := &records[i]
		b := dst[off : off+BatchRecordSize]
		b[0] = r.Slot
		putVec3(b[1:13], r.State.Pos)
		binary.LittleEndian.PutUint16(b[13:15], uint16(QuantizeAngle(r.State.Yaw)))
		binary.LittleEndian.PutUint16(b[15:17], uint16(QuantizeAngle(r.State.Pitch)))
		binary.LittleEndian.PutUint16(b[17:19], QuantizeSpeed(r.State.Speed))
		b[19] = r.State.Checkpoint
		binary.LittleEndian.PutUint32(b[20:24], r.ServerTimeMs)
		b[24] = 0
		off += BatchRecordSize
	}
	return size
}

// DecodeBatch 将服务器批次解码到预分配的 dst 中
//
// 调用方负责按类型字节分发，这里只校验长度和人数上限。
// 截断或人数超限的批次返回 ok=false，不会 panic。
func DecodeBatch(src []byte, dst *[MaxBatchPlayers]PlayerRecord) (count int, ok bool) {
	if len(src) < BatchHeaderSize {
		return 0, false
	}
	count = int(src[1])
	if count > MaxBatchPlayers || len(src) < BatchSize(count) {
		return 0, false
	}

	off := BatchHeaderSize
	for i := 0; i < count; i++ {
		b := src[off : off+BatchRecordSize]
		r := &dst[i]
		r.Slot = b[0]
		r.State.Pos = readVec3(b[1:13])
		r.State.Yaw = DequantizeAngle(int16(binary.LittleEndian.Uint16(b[13:15])))
		r.State.Pitch = DequantizeAngle(int16(binary.LittleEndian.Uint16(b[15:17])))
		r.State.Speed = DequantizeSpeed(binary.LittleEndian.Uint16(b[17:19]))
		r.State.Checkpoint = b[19]
		r.ServerTimeMs = binary.LittleEndian.Uint32(b[20:24])
		off += BatchRecordSize
	}
	return count, true
}
