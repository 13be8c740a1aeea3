// Package protocol 定义位置同步的二进制线格式。
//
// 所有数值字段均为小端序。角度按 AngleScale 量化为 int16，速度按 SpeedScale
// 量化为 uint16，往返精度损失（≤1/10000 rad，≤1/10 速度单位）属于预期行为。
package protocol

import (
	"encoding/binary"
	"math"
)

// 消息类型
const (
	KindPosition byte = 0x01 // 客户端 -> 服务器：本地玩家位置
	KindBatch    byte = 0x02 // 服务器 -> 客户端：玩家位置批次
)

const (
	PositionFrameSize = 20
	BatchHeaderSize   = 2
	BatchRecordSize   = 25
	MaxBatchPlayers   = 32
	MaxBatchSize      = BatchHeaderSize + BatchRecordSize*MaxBatchPlayers

	AngleScale = 10000
	SpeedScale = 10
)

// Vec3 世界坐标
type Vec3 struct {
	X, Y, Z float32
}

// PositionFrame 一帧出站位置数据，固定 20 字节
type PositionFrame [PositionFrameSize]byte

// PlayerState 单个玩家的位置状态
type PlayerState struct {
	Pos        Vec3
	Yaw        float32
	Pitch      float32
	Speed      float32
	Checkpoint uint8
}

// EncodePosition 将本地玩家位置写入调用方持有的帧缓冲
//
// 布局: [u8 kind][f32 x][f32 y][f32 z][i16 yaw][i16 pitch][u16 speed][u8 checkpoint]
func EncodePosition(dst *PositionFrame, pos Vec3, yaw, pitch, speed float32, checkpoint uint8) {
	dst[0] = KindPosition
	binary.LittleEndian.PutUint32(dst[1:5], math.Float32bits(pos.X))
	binary.LittleEndian.PutUint32(dst[5:9], math.Float32bits(pos.Y))
	binary.LittleEndian.PutUint32(dst[9:13], math.Float32bits(pos.Z))
	binary.LittleEndian.PutUint16(dst[13:15], uint16(QuantizeAngle(yaw)))
	binary.LittleEndian.PutUint16(dst[15:17], uint16(QuantizeAngle(pitch)))
	binary.LittleEndian.PutUint16(dst[17:19], QuantizeSpeed(speed))
	dst[19] = checkpoint
}

// DecodePosition 解析客户端位置帧（服务器侧使用）
// 长度或类型不匹配时返回 false
func DecodePosition(src []byte) (PlayerState, bool) {
	if len(src) != PositionFrameSize || src[0] != KindPosition {
		return PlayerState{}, false
	}
	return PlayerState{
		Pos:        readVec3(src[1:13]),
		Yaw:        DequantizeAngle(int16(binary.LittleEndian.Uint16(src[13:15]))),
		Pitch:      DequantizeAngle(int16(binary.LittleEndian.Uint16(src[15:17]))),
		Speed:      DequantizeSpeed(binary.LittleEndian.Uint16(src[17:19])),
		Checkpoint: src[19],
	}, true
}

func readVec3(b []byte) Vec3 {
	return Vec3{
		X: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
	}
}

func putVec3(b []byte, v Vec3) {
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(v.X))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(v.Y))
	binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(v.Z))
}
