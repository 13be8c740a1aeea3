package server

import (
	"fmt"
	"math"

	"racesync/pkg/protocol"
)

// Bot 服务器驱动的 AI 车手，沿圆形赛道匀速绕圈，占用一个槽位
type Bot struct {
	slot   int
	name   string
	center protocol.Vec3
	radius float64
	speed  float64 // 单位/秒
	angle  float64
	laps   uint8
}

func newBot(slot, index int) *Bot {
	return &Bot{
		slot:   slot,
		name:   fmt.Sprintf("bot-%d", index+1),
		center: protocol.Vec3{X: 480, Z: 320},
		radius: 120 + 40*float64(index%4),
		speed:  100 + 15*float64(index%3),
		angle:  float64(index) * math.Pi / 3,
	}
}

// Step 前进 dt 秒并返回新的状态
func (b *Bot) Step(dt float64) protocol.PlayerState {
	prev := b.angle
	b.angle += b.speed / b.radius * dt
	if math.Floor(b.angle/(2*math.Pi)) > math.Floor(prev/(2*math.Pi)) {
		b.laps++
	}

	yaw := math.Mod(b.angle+math.Pi/2, 2*math.Pi)
	if yaw > math.Pi {
		yaw -= 2 * math.Pi
	}
	return protocol.PlayerState{
		Pos: protocol.Vec3{
			X: b.center.X + float32(b.radius*math.Cos(b.angle)),
			Y: b.center.Y,
			Z: b.center.Z + float32(b.radius*math.Sin(b.angle)),
		},
		Yaw:        float32(yaw),
		Speed:      float32(b.speed),
		Checkpoint: b.laps,
	}
}
