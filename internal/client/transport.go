package client

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"racesync/pkg/auth"
	"racesync/pkg/control"
	"racesync/pkg/protocol"
	"racesync/pkg/transfer"
)

// Transport 主线程侧的传输层门面
//
// 除 SendUnreliable/SendPosition 外的方法都应在主线程调用。
// 事件不会主动回调，主线程每帧调用 Dispatch 把工作协程的通知分发给处理函数。
type Transport struct {
	cfg Config

	outbound transfer.OutboundSlot
	ring     *transfer.InboundRing
	stats    Stats
	frame    protocol.PositionFrame

	endpoint   string
	credential string
	events     chan Event
	outgoing   chan control.Message
	cancel     context.CancelFunc
	done       chan struct{}

	state     atomic.Int32
	latency   atomic.Int64
	attempts  atomic.Int32
	nextDelay atomic.Int64
	slot      atomic.Int32

	onOpen             func(slot int)
	onClose            func(reason CloseReason, err error)
	onReconnect        func(slot int)
	onReconnectAttempt func(attempt int, delay time.Duration)
	onGaveUp           func(attempts int)
	onLatency          func(latency time.Duration)
	onMessage          func(msg control.Message)
}

// NewTransport 创建传输层
func NewTransport(cfg Config) *Transport {
	def := DefaultConfig()
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = def.SendInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ControlFormat == 0 {
		cfg.ControlFormat = def.ControlFormat
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = def.RingCapacity
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = def.EventQueueSize
	}

	t := &Transport{
		cfg:  cfg,
		ring: transfer.NewInboundRing(cfg.RingCapacity),
	}
	t.slot.Store(-1)
	return t
}

// Connect 启动工作协程连接 endpoint，不等待连接建立
//
// 已在运行时先断开旧会话。credential 若是 JWT 且已过期直接返回 ErrCredentialExpired。
func (t *Transport) Connect(endpoint, credential string) error {
	ep, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if claims, err := auth.PeekClaims(credential); err == nil && claims.Expired(time.Now()) {
		return ErrCredentialExpired
	}
	if t.cancel != nil {
		t.Disconnect()
	}

	t.endpoint, t.credential = endpoint, credential
	t.events = make(chan Event, t.cfg.EventQueueSize)
	t.outgoing = make(chan control.Message, outgoingQueueSize)
	t.done = make(chan struct{})
	t.attempts.Store(0)
	t.nextDelay.Store(0)
	t.state.Store(int32(StateConnecting))

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	w := &worker{
		cfg:        t.cfg,
		ep:         ep,
		credential: credential,
		outbound:   &t.outbound,
		ring:       t.ring,
		events:     t.events,
		outgoing:   t.outgoing,
		stats:      &t.stats,
	}
	done := t.done
	go func() {
		defer close(done)
		w.run(ctx)
	}()

	log.Printf("连接到服务器: %s", ep.raw)
	return nil
}

// Disconnect 停止工作协程并同步进入 disconnected 状态
func (t *Transport) Disconnect() {
	if t.cancel == nil {
		if t.State() == StateGaveUp {
			t.state.Store(int32(StateDisconnected))
		}
		return
	}
	t.stopWorker()

	// 旧会话残留的通知不再分发
drain:
	for {
		select {
		case <-t.events:
		default:
			break drain
		}
	}

	t.state.Store(int32(StateDisconnected))
	t.slot.Store(-1)
	log.Printf("网络客户端已断开")
	if t.onClose != nil {
		t.onClose(ReasonClientDisconnect, nil)
	}
}

func (t *Transport) stopWorker() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
}

// Reconnect 重连次数耗尽后由调用方显式重试
func (t *Transport) Reconnect() error {
	if t.endpoint == "" {
		return ErrNotConnected
	}
	return t.Connect(t.endpoint, t.credential)
}

// SendUnreliable 写入出站槽，未被发送前会被下一次写入覆盖
//
// 可在物理协程以任意频率调用，工作协程按发送间隔取最新值。
func (t *Transport) SendUnreliable(frame *protocol.PositionFrame) {
	t.outbound.Write(frame)
}

// SendPosition 编码并写入出站槽，与 SendUnreliable 共用同一个写入者
func (t *Transport) SendPosition(pos protocol.Vec3, yaw, pitch, speed float32, checkpoint uint8) {
	protocol.EncodePosition(&t.frame, pos, yaw, pitch, speed, checkpoint)
	t.outbound.Write(&t.frame)
}

// SendReliable 通过控制通道发送结构化消息
func (t *Transport) SendReliable(msg control.Message) error {
	if t.State() != StateOpen {
		return ErrNotConnected
	}
	select {
	case t.outgoing <- msg:
		return nil
	default:
		return fmt.Errorf("%w (%d)", ErrSendQueueFull, cap(t.outgoing))
	}
}

// Dispatch 取出全部待处理事件，更新状态并调用处理函数，从不阻塞
func (t *Transport) Dispatch() int {
	n := 0
	for {
		select {
		case ev := <-t.events:
			t.handle(ev)
			n++
		default:
			return n
		}
	}
}

func (t *Transport) handle(ev Event) {
	switch ev.Kind {
	case EventOpen, EventReconnect:
		t.state.Store(int32(StateOpen))
		t.slot.Store(int32(ev.Slot))
		t.attempts.Store(0)
		t.nextDelay.Store(0)
		if ev.Kind == EventOpen && t.onOpen != nil {
			t.onOpen(ev.Slot)
		}
		if ev.Kind == EventReconnect && t.onReconnect != nil {
			t.onReconnect(ev.Slot)
		}
	case EventClose:
		t.state.Store(int32(StateClosed))
		if t.onClose != nil {
			t.onClose(ev.Reason, ev.Err)
		}
	case EventReconnectAttempt:
		t.state.Store(int32(StateConnecting))
		t.attempts.Store(int32(ev.Attempt))
		t.nextDelay.Store(int64(ev.Delay))
		if t.onReconnectAttempt != nil {
			t.onReconnectAttempt(ev.Attempt, ev.Delay)
		}
	case EventGaveUp:
		// 工作协程投递该事件后立即退出，调用方已经收到过关闭通知
		t.stopWorker()
		t.state.Store(int32(StateGaveUp))
		t.nextDelay.Store(0)
		if t.onGaveUp != nil {
			t.onGaveUp(ev.Attempt)
		}
	case EventLatency:
		t.latency.Store(int64(ev.Latency))
		if t.onLatency != nil {
			t.onLatency(ev.Latency)
		}
	case EventMessage:
		if t.onMessage != nil {
			t.onMessage(ev.Message)
		}
	}
}

// ===== 事件订阅 =====

func (t *Transport) OnOpen(fn func(slot int)) { t.onOpen = fn }

func (t *Transport) OnClose(fn func(reason CloseReason, err error)) { t.onClose = fn }

func (t *Transport) OnReconnect(fn func(slot int)) { t.onReconnect = fn }

func (t *Transport) OnReconnectAttempt(fn func(attempt int, delay time.Duration)) {
	t.onReconnectAttempt = fn
}

func (t *Transport) OnGaveUp(fn func(attempts int)) { t.onGaveUp = fn }

func (t *Transport) OnLatency(fn func(latency time.Duration)) { t.onLatency = fn }

// OnMessage 服务器转发的 {type, data} 事件
func (t *Transport) OnMessage(fn func(msg control.Message)) { t.onMessage = fn }

// ===== 只读状态 =====

// InboundBuffer 入站环形缓冲，交给 Bridge 轮询
func (t *Transport) InboundBuffer() *transfer.InboundRing { return t.ring }

func (t *Transport) State() State { return State(t.state.Load()) }

// Latency 最近一次测得的单程延迟（RTT/2）
func (t *Transport) Latency() time.Duration { return time.Duration(t.latency.Load()) }

func (t *Transport) ReconnectAttempts() int { return int(t.attempts.Load()) }

func (t *Transport) NextReconnectDelay() time.Duration { return time.Duration(t.nextDelay.Load()) }

// Slot 服务器分配的槽位，未连接时为 -1
func (t *Transport) Slot() int { return int(t.slot.Load()) }

// Stats 累计流量统计
func (t *Transport) Stats() *Stats { return &t.stats }
