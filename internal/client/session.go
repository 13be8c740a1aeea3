package client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/xtaci/smux"
	"golang.org/x/sync/errgroup"

	"racesync/pkg/control"
	"racesync/pkg/protocol"
	"racesync/pkg/transfer"
)

// 流类型标记，作为每条流的第一个字节
const (
	StreamPosition byte = 0x01
	StreamControl  byte = 0x02
)

// 位置流消息前缀: [u16 length LE]
const lengthPrefixSize = 2

// Stats 会话流量统计
type Stats struct {
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
	FramesSent    atomic.Uint64
	BatchesRecv   atomic.Uint64
	Malformed     atomic.Uint64 // 丢弃的畸形消息
	DroppedEvents atomic.Uint64 // 事件队列满时丢弃的低优先级事件
}

// worker 独占网络会话的工作协程
//
// 与主线程只通过出站槽、入站环形缓冲和 events/outgoing 两个通道交互。
type worker struct {
	cfg        Config
	ep         endpoint
	credential string

	outbound *transfer.OutboundSlot
	ring     *transfer.InboundRing
	events   chan<- Event
	outgoing <-chan control.Message
	stats    *Stats

	// 最近一次收到任何数据的时间（UnixNano）
	lastRecv atomic.Int64
}

// run 连接并在断线后按退避策略重连，直到 ctx 取消或重连次数耗尽
func (w *worker) run(ctx context.Context) {
	backoff := NewBackoff(w.cfg.ReconnectBase, w.cfg.ReconnectMax, w.cfg.MaxReconnectAttempts)
	established := false

	for {
		opened, reason, err := w.session(ctx, established)
		if ctx.Err() != nil {
			return
		}
		if opened {
			established = true
			backoff.Reset()
		}
		log.Printf("会话关闭: %s (%v), 已发送 %s, 已接收 %s",
			reason, err,
			humanize.Bytes(w.stats.BytesSent.Load()),
			humanize.Bytes(w.stats.BytesReceived.Load()))
		if !w.emit(ctx, Event{Kind: EventClose, Reason: reason, Err: err}) {
			return
		}

		delay, ok := backoff.Next()
		if reason == ReasonRejected {
			ok = false
		}
		if !ok {
			log.Printf("放弃重连: 已尝试 %d 次", backoff.Attempt())
			w.emit(ctx, Event{Kind: EventGaveUp, Attempt: backoff.Attempt(), Reason: reason, Err: err})
			return
		}
		log.Printf("%v 后第 %d 次重连 %s", delay, backoff.Attempt(), w.ep.raw)
		if !w.emit(ctx, Event{Kind: EventReconnectAttempt, Attempt: backoff.Attempt(), Delay: delay}) {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session 建立一次会话并运行到结束，opened 表示握手是否成功
func (w *worker) session(ctx context.Context, reconnect bool) (opened bool, reason CloseReason, err error) {
	conn, err := dialConn(ctx, w.ep, w.credential, w.cfg.DialTimeout)
	if err != nil {
		return false, ReasonDialFailed, fmt.Errorf("连接 %s 失败: %w", w.ep.raw, err)
	}

	mux, err := smux.Client(conn, muxConfig(w.cfg))
	if err != nil {
		conn.Close()
		return false, ReasonDialFailed, fmt.Errorf("创建多路复用会话失败: %w", err)
	}
	defer mux.Close()
	// 握手阶段的阻塞读写也要响应取消
	stop := context.AfterFunc(ctx, func() { mux.Close() })
	defer stop()

	pos, err := openStream(mux, StreamPosition)
	if err != nil {
		return false, ReasonDialFailed, err
	}
	ctrl, err := openStream(mux, StreamControl)
	if err != nil {
		return false, ReasonDialFailed, err
	}

	slot, err := w.handshake(ctrl)
	if err != nil {
		if errors.Is(err, errHandshakeRejected) {
			return false, ReasonRejected, err
		}
		return false, ReasonDialFailed, err
	}
	log.Printf("已连接到服务器: %s, 槽位 %d", w.ep.raw, slot)

	kind := EventOpen
	if reconnect {
		kind = EventReconnect
	}
	if !w.emit(ctx, Event{Kind: kind, Slot: slot}) {
		return true, ReasonClientDisconnect, ctx.Err()
	}

	w.touch()
	replies := make(chan control.Message, 4)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.sendLoop(gctx, pos) })
	g.Go(func() error { return w.recvLoop(pos) })
	g.Go(func() error { return w.controlReadLoop(gctx, ctrl, replies) })
	g.Go(func() error { return w.controlWriteLoop(gctx, ctrl, replies) })
	g.Go(func() error {
		<-gctx.Done()
		mux.Close()
		return nil
	})
	err = g.Wait()

	switch {
	case ctx.Err() != nil:
		return true, ReasonClientDisconnect, nil
	case errors.Is(err, errHeartbeatTimeout):
		return true, ReasonHeartbeatTimeout, err
	case errors.Is(err, io.EOF):
		return true, ReasonRemoteClosed, err
	default:
		return true, ReasonStreamError, err
	}
}

func openStream(mux *smux.Session, marker byte) (*smux.Stream, error) {
	stream, err := mux.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("打开流 %#x 失败: %w", marker, err)
	}
	if _, err := stream.Write([]byte{marker}); err != nil {
		return nil, fmt.Errorf("写入流标记 %#x 失败: %w", marker, err)
	}
	return stream, nil
}

// handshake 发送 hello 并等待 welcome，返回分配的槽位
func (w *worker) handshake(ctrl *smux.Stream) (int, error) {
	hello := control.Message{Type: control.TypeHello, Data: map[string]interface{}{"token": w.credential}}
	ctrl.SetWriteDeadline(time.Now().Add(w.cfg.DialTimeout))
	if err := control.WriteFrame(ctrl, w.cfg.ControlFormat, hello); err != nil {
		return 0, err
	}
	ctrl.SetWriteDeadline(time.Time{})

	ctrl.SetReadDeadline(time.Now().Add(w.cfg.DialTimeout))
	defer ctrl.SetReadDeadline(time.Time{})
	msg, _, err := control.ReadFrame(ctrl)
	if err != nil {
		return 0, fmt.Errorf("等待握手响应失败: %w", err)
	}

	switch msg.Type {
	case control.TypeWelcome:
		slot, ok := msg.Number("slot")
		if !ok {
			return 0, fmt.Errorf("%w: welcome 缺少 slot", errUnexpectedProtocol)
		}
		return int(slot), nil
	case control.TypeError:
		reason, _ := msg.Text("reason")
		return 0, fmt.Errorf("%w: %s", errHandshakeRejected, reason)
	default:
		return 0, fmt.Errorf("%w: %q", errUnexpectedProtocol, msg.Type)
	}
}

// sendLoop 按固定间隔轮询出站槽，有新代数才发送
func (w *worker) sendLoop(ctx context.Context, pos *smux.Stream) error {
	ticker := time.NewTicker(w.cfg.SendInterval)
	defer ticker.Stop()

	var (
		lastGen uint32
		frame   protocol.PositionFrame
		buf     [lengthPrefixSize + protocol.PositionFrameSize]byte
	)
	binary.LittleEndian.PutUint16(buf[:lengthPrefixSize], protocol.PositionFrameSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		gen, ok := w.outbound.TryRead(lastGen, &frame)
		if !ok {
			continue
		}
		lastGen = gen
		copy(buf[lengthPrefixSize:], frame[:])

		pos.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := pos.Write(buf[:]); err != nil {
			return fmt.Errorf("发送位置帧失败: %w", err)
		}
		w.stats.FramesSent.Add(1)
		w.stats.BytesSent.Add(uint64(len(buf)))
	}
}

// recvLoop 读取位置批次写入入站环形缓冲，畸形消息丢弃后继续
func (w *worker) recvLoop(pos *smux.Stream) error {
	var (
		header  [lengthPrefixSize]byte
		body    [protocol.MaxBatchSize]byte
		scratch [protocol.MaxBatchPlayers]protocol.PlayerRecord
	)

	for {
		if _, err := io.ReadFull(pos, header[:]); err != nil {
			return fmt.Errorf("读取位置流失败: %w", err)
		}
		n := int(binary.LittleEndian.Uint16(header[:]))
		w.touch()

		if n > len(body) {
			if _, err := io.CopyN(io.Discard, pos, int64(n)); err != nil {
				return fmt.Errorf("读取位置流失败: %w", err)
			}
			w.stats.Malformed.Add(1)
			continue
		}
		if _, err := io.ReadFull(pos, body[:n]); err != nil {
			return fmt.Errorf("读取位置流失败: %w", err)
		}
		w.stats.BytesReceived.Add(uint64(lengthPrefixSize + n))

		if n == 0 || body[0] != protocol.KindBatch {
			w.stats.Malformed.Add(1)
			continue
		}
		count, ok := protocol.DecodeBatch(body[:n], &scratch)
		if !ok {
			w.stats.Malformed.Add(1)
			continue
		}
		w.ring.Write(scratch[:count])
		w.stats.BatchesRecv.Add(1)
	}
}

// controlReadLoop 读取控制消息：pong 计算延迟，ping 交给写协程回复，其余转发给主线程
func (w *worker) controlReadLoop(ctx context.Context, ctrl *smux.Stream, replies chan<- control.Message) error {
	for {
		msg, _, err := control.ReadFrame(ctrl)
		if errors.Is(err, control.ErrMalformed) {
			w.stats.Malformed.Add(1)
			w.touch()
			continue
		}
		if err != nil {
			return fmt.Errorf("读取控制流失败: %w", err)
		}
		w.touch()

		switch msg.Type {
		case control.TypePong:
			sent, ok := msg.Number("t")
			if !ok {
				continue
			}
			rtt := time.Now().UnixMilli() - int64(sent)
			if rtt < 0 {
				rtt = 0
			}
			w.notify(Event{Kind: EventLatency, Latency: time.Duration(rtt) * time.Millisecond / 2})

		case control.TypePing:
			select {
			case replies <- control.Message{Type: control.TypePong, Data: msg.Data}:
			case <-ctx.Done():
				return nil
			}

		default:
			w.notify(Event{Kind: EventMessage, Message: msg})
		}
	}
}

// controlWriteLoop 独占控制流的写端：心跳、回复、主线程的可靠消息
func (w *worker) controlWriteLoop(ctx context.Context, ctrl *smux.Stream, replies <-chan control.Message) error {
	ping := time.NewTicker(w.cfg.PingInterval)
	defer ping.Stop()

	for {
		var msg control.Message
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if idle := time.Since(time.Unix(0, w.lastRecv.Load())); idle > w.cfg.HeartbeatTimeout {
				return fmt.Errorf("%w: %v 未收到数据", errHeartbeatTimeout, idle.Truncate(time.Millisecond))
			}
			msg = control.Message{Type: control.TypePing, Data: map[string]interface{}{"t": time.Now().UnixMilli()}}
		case msg = <-replies:
		case msg = <-w.outgoing:
		}

		ctrl.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := control.WriteFrame(ctrl, w.cfg.ControlFormat, msg); err != nil {
			return err
		}
	}
}

func (w *worker) touch() {
	w.lastRecv.Store(time.Now().UnixNano())
}

// emit 投递生命周期事件，阻塞直到主线程取走或 ctx 取消
func (w *worker) emit(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// notify 投递高频事件，队列满时丢弃
func (w *worker) notify(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.stats.DroppedEvents.Add(1)
	}
}
