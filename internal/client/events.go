package client

import (
	"errors"
	"fmt"
	"time"

	"racesync/pkg/control"
)

var (
	ErrSendQueueFull      = errors.New("控制消息发送队列已满")
	ErrNotConnected       = errors.New("未连接")
	ErrUnsupportedScheme  = errors.New("不支持的连接协议")
	ErrCredentialExpired  = errors.New("凭证已过期")
	errHandshakeRejected  = errors.New("服务器拒绝握手")
	errHeartbeatTimeout   = errors.New("心跳超时")
	errUnexpectedProtocol = errors.New("收到意外的控制消息")
)

// State 传输层连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed // 会话已断开，等待重连
	StateGaveUp // 重连次数耗尽
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateGaveUp:
		return "gave-up"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CloseReason 会话关闭原因
type CloseReason int

const (
	ReasonDialFailed CloseReason = iota + 1
	ReasonStreamError
	ReasonRemoteClosed
	ReasonHeartbeatTimeout
	ReasonClientDisconnect
	ReasonRejected
)

func (r CloseReason) String() string {
	switch r {
	case ReasonDialFailed:
		return "dial-failed"
	case ReasonStreamError:
		return "stream-error"
	case ReasonRemoteClosed:
		return "remote-closed"
	case ReasonHeartbeatTimeout:
		return "heartbeat-timeout"
	case ReasonClientDisconnect:
		return "client-disconnect"
	case ReasonRejected:
		return "rejected"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// EventKind 工作协程通知主线程的事件类型
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventClose
	EventReconnect        // 重连成功
	EventReconnectAttempt // 即将发起一次重连
	EventGaveUp
	EventLatency
	EventMessage
)

// Event 工作协程 → 主线程
type Event struct {
	Kind EventKind

	Reason CloseReason
	Err    error

	Attempt int
	Delay   time.Duration

	Latency time.Duration
	Slot    int
	Message control.Message
}
