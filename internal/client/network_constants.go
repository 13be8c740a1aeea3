package client

import "time"

// ===== 会话与重连默认配置 =====
const (
	// 出站位置发送间隔：20Hz，物理帧（最高 128Hz）写入只保留最新值
	DefaultSendInterval = 50 * time.Millisecond

	// 控制通道心跳间隔，同时用于测量 RTT
	DefaultPingInterval = 2 * time.Second

	// 超过该时长没有收到任何数据则认为会话失效
	DefaultHeartbeatTimeout = 10 * time.Second

	DefaultDialTimeout = 5 * time.Second

	// 单次写入超时
	writeTimeout = 1 * time.Second

	// 重连退避：基础延迟每次翻倍，封顶后保持
	DefaultReconnectBase        = 500 * time.Millisecond
	DefaultReconnectMax         = 10 * time.Second
	DefaultMaxReconnectAttempts = 8

	// 主线程与工作协程之间的消息队列长度
	DefaultEventQueueSize = 64
	outgoingQueueSize     = 64

	// 未映射槽位诊断日志的最小间隔
	unmappedReportInterval = 5 * time.Second
)
