package server

import (
	"time"

	"racesync/pkg/auth"
	"racesync/pkg/protocol"
)

const (
	DefaultTickRate   = 20
	DefaultMaxPlayers = protocol.MaxBatchPlayers

	handshakeTimeout  = 5 * time.Second
	writeTimeout      = 1 * time.Second
	heartbeatInterval = 5 * time.Second
	heartbeatTimeout  = 15 * time.Second

	// 每个会话的控制消息转发速率
	controlRate  = 10
	controlBurst = 20

	positionQueueSize = 4
	controlQueueSize  = 64
)

// Config 中继服务器配置
type Config struct {
	Addr       string
	Proto      string // tcp / kcp / ws
	TickRate   int
	MaxPlayers int
	Bots       int // AI 车手数量
	Secret     []byte
}

// DefaultConfig 返回默认配置，签名密钥取自 JWT_SECRET
func DefaultConfig() Config {
	return Config{
		Addr:       ":8080",
		Proto:      "tcp",
		TickRate:   DefaultTickRate,
		MaxPlayers: DefaultMaxPlayers,
		Secret:     auth.SigningKey(),
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Proto == "" {
		c.Proto = def.Proto
	}
	if c.TickRate <= 0 {
		c.TickRate = def.TickRate
	}
	if c.MaxPlayers <= 0 || c.MaxPlayers > protocol.MaxBatchPlayers {
		c.MaxPlayers = def.MaxPlayers
	}
	if c.Bots < 0 {
		c.Bots = 0
	}
	if c.Bots > c.MaxPlayers {
		c.Bots = c.MaxPlayers
	}
	if len(c.Secret) == 0 {
		c.Secret = def.Secret
	}
	return c
}
