package client

import (
	"time"

	"racesync/pkg/control"
	"racesync/pkg/transfer"
)

// Config 传输层配置
type Config struct {
	SendInterval     time.Duration
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	DialTimeout      time.Duration

	// 控制通道负载格式
	ControlFormat control.Format

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	// 入站环形缓冲槽位数（向上取整为 2 的幂）
	RingCapacity   int
	EventQueueSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		SendInterval:         DefaultSendInterval,
		PingInterval:         DefaultPingInterval,
		HeartbeatTimeout:     DefaultHeartbeatTimeout,
		DialTimeout:          DefaultDialTimeout,
		ControlFormat:        control.FormatJSON,
		ReconnectBase:        DefaultReconnectBase,
		ReconnectMax:         DefaultReconnectMax,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		RingCapacity:         transfer.DefaultRingCapacity,
		EventQueueSize:       DefaultEventQueueSize,
	}
}
