package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/xtaci/smux"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"racesync/pkg/auth"
	"racesync/pkg/control"
	"racesync/pkg/protocol"
)

// 流类型标记
const (
	streamPosition byte = 0x01
	streamControl  byte = 0x02
)

var (
	errHeartbeatTimeout = errors.New("心跳超时")
	errUnknownStream    = errors.New("未知的流类型")
)

// Connection 表示一个客户端会话
type Connection struct {
	conn   net.Conn
	server *Server

	slot   atomic.Int32
	name   string
	format control.Format

	posOut  chan []byte
	ctrlOut chan control.Message
	limiter *rate.Limiter

	lastRecvTime atomic.Int64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	dropped      atomic.Uint64
	malformed    atomic.Uint64
}

// NewConnection 创建新连接，连接到服务器上
func NewConnection(conn net.Conn, server *Server) *Connection {
	c := &Connection{
		conn:    conn,
		server:  server,
		format:  control.FormatJSON,
		posOut:  make(chan []byte, positionQueueSize),
		ctrlOut: make(chan control.Message, controlQueueSize),
		limiter: rate.NewLimiter(controlRate, controlBurst),
	}
	c.slot.Store(-1)
	c.touch()
	return c
}

// Handle 处理连接直到断开
func (c *Connection) Handle(ctx context.Context) {
	started := time.Now()
	defer c.conn.Close()

	mux, err := smux.Server(c.conn, smux.DefaultConfig())
	if err != nil {
		log.Printf("%s: 创建多路复用会话失败: %v", c, err)
		return
	}
	defer mux.Close()

	pos, ctrl, err := acceptStreams(mux)
	if err != nil {
		log.Printf("%s: %v", c, err)
		return
	}

	err = c.handshake(ctrl)
	if c.Slot() >= 0 {
		defer c.server.room.Leave(c)
	}
	if err != nil {
		log.Printf("%s: 握手失败: %v", c, err)
		ctrl.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = control.WriteFrame(ctrl, c.format, control.Message{
			Type: control.TypeError,
			Data: map[string]interface{}{"reason": err.Error()},
		})
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.positionReadLoop(pos) })
	g.Go(func() error { return c.positionWriteLoop(gctx, pos) })
	g.Go(func() error { return c.controlReadLoop(gctx, ctrl) })
	g.Go(func() error { return c.controlWriteLoop(gctx, ctrl) })
	g.Go(func() error { return c.heartbeat(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		mux.Close()
		return nil
	})
	err = g.Wait()

	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		err = nil
	}
	log.Printf("%s: 连接已关闭 (%v), 时长 %v, 接收 %s, 发送 %s, 丢弃 %d, 畸形 %d",
		c, err, time.Since(started).Truncate(time.Second),
		humanize.Bytes(c.bytesIn.Load()), humanize.Bytes(c.bytesOut.Load()),
		c.dropped.Load(), c.malformed.Load())
}

// acceptStreams 接受位置流和控制流，按首字节标记区分，与接受顺序无关
func acceptStreams(mux *smux.Session) (pos, ctrl *smux.Stream, err error) {
	mux.SetDeadline(time.Now().Add(handshakeTimeout))
	defer mux.SetDeadline(time.Time{})

	for pos == nil || ctrl == nil {
		stream, err := mux.AcceptStream()
		if err != nil {
			return nil, nil, fmt.Errorf("接受流失败: %w", err)
		}
		var marker [1]byte
		stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
		if _, err := io.ReadFull(stream, marker[:]); err != nil {
			return nil, nil, fmt.Errorf("读取流标记失败: %w", err)
		}
		stream.SetReadDeadline(time.Time{})

		switch {
		case marker[0] == streamPosition && pos == nil:
			pos = stream
		case marker[0] == streamControl && ctrl == nil:
			ctrl = stream
		default:
			stream.Close()
			return nil, nil, fmt.Errorf("%w: %#x", errUnknownStream, marker[0])
		}
	}
	return pos, ctrl, nil
}

// handshake 校验 hello 中的凭证，分配槽位并回复 welcome
func (c *Connection) handshake(ctrl *smux.Stream) error {
	ctrl.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, format, err := control.ReadFrame(ctrl)
	ctrl.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("读取 hello 失败: %w", err)
	}
	c.format = format
	if msg.Type != control.TypeHello {
		return fmt.Errorf("期望 hello, 收到 %q", msg.Type)
	}

	token, _ := msg.Text("token")
	claims, err := auth.VerifyToken(c.server.cfg.Secret, token)
	if err != nil {
		return fmt.Errorf("凭证无效: %w", err)
	}
	c.name = claims.PlayerName

	slot, err := c.server.room.Join(c)
	if err != nil {
		return err
	}
	c.slot.Store(int32(slot))

	ctrl.SetWriteDeadline(time.Now().Add(writeTimeout))
	return control.WriteFrame(ctrl, c.format, control.Message{
		Type: control.TypeWelcome,
		Data: map[string]interface{}{
			"slot":       slot,
			"serverTime": c.server.room.ServerTimeMs(),
		},
	})
}

// positionReadLoop 读取客户端位置帧并提交给房间
func (c *Connection) positionReadLoop(pos *smux.Stream) error {
	var (
		header [2]byte
		body   [protocol.MaxBatchSize]byte
	)
	for {
		if _, err := io.ReadFull(pos, header[:]); err != nil {
			return fmt.Errorf("读取位置流失败: %w", err)
		}
		n := int(binary.LittleEndian.Uint16(header[:]))
		if n > len(body) {
			c.malformed.Add(1)
			if _, err := io.CopyN(io.Discard, pos, int64(n)); err != nil {
				return fmt.Errorf("读取位置流失败: %w", err)
			}
			continue
		}
		if _, err := io.ReadFull(pos, body[:n]); err != nil {
			return fmt.Errorf("读取位置流失败: %w", err)
		}
		c.touch()
		c.bytesIn.Add(uint64(2 + n))

		state, ok := protocol.DecodePosition(body[:n])
		if !ok {
			c.malformed.Add(1)
			continue
		}
		c.server.room.UpdateState(c, state)
	}
}

func (c *Connection) positionWriteLoop(ctx context.Context, pos *smux.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-c.posOut:
			pos.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := pos.Write(data); err != nil {
				return fmt.Errorf("发送位置批次失败: %w", err)
			}
			c.bytesOut.Add(uint64(len(data)))
		}
	}
}

// controlReadLoop ping 直接回复 pong，其他事件限速后转发给房间
func (c *Connection) controlReadLoop(ctx context.Context, ctrl *smux.Stream) error {
	for {
		msg, _, err := control.ReadFrame(ctrl)
		if errors.Is(err, control.ErrMalformed) {
			c.malformed.Add(1)
			continue
		}
		if err != nil {
			return fmt.Errorf("读取控制流失败: %w", err)
		}
		c.touch()

		switch msg.Type {
		case control.TypePing:
			c.SendControl(control.Message{Type: control.TypePong, Data: msg.Data})
		case control.TypePong, control.TypeHello:
		default:
			if !c.limiter.Allow() {
				c.dropped.Add(1)
				continue
			}
			data := make(map[string]interface{}, len(msg.Data)+1)
			for k, v := range msg.Data {
				data[k] = v
			}
			data["slot"] = c.Slot()
			c.server.room.Relay(c.Slot(), control.Message{Type: msg.Type, Data: data})
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Connection) controlWriteLoop(ctx context.Context, ctrl *smux.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.ctrlOut:
			ctrl.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := control.WriteFrame(ctrl, c.format, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if idle := time.Since(time.Unix(0, c.lastRecvTime.Load())); idle > heartbeatTimeout {
				return fmt.Errorf("%w: %v", errHeartbeatTimeout, idle.Truncate(time.Second))
			}
		}
	}
}

// SendPosition 投递位置批次，队列满时丢弃
func (c *Connection) SendPosition(data []byte) {
	select {
	case c.posOut <- data:
	default:
		c.dropped.Add(1)
	}
}

// SendControl 投递控制消息，队列满时丢弃
func (c *Connection) SendControl(msg control.Message) {
	select {
	case c.ctrlOut <- msg:
	default:
		c.dropped.Add(1)
	}
}

// String 返回连接的字符串表示
func (c *Connection) String() string {
	if slot := c.Slot(); slot >= 0 {
		return fmt.Sprintf("Connection{%d %s, %s}", slot, c.name, c.conn.RemoteAddr())
	}
	return fmt.Sprintf("Connection{%s}", c.conn.RemoteAddr())
}

func (c *Connection) Slot() int {
	return int(c.slot.Load())
}

func (c *Connection) Name() string {
	return c.name
}

func (c *Connection) touch() {
	c.lastRecvTime.Store(time.Now().UnixNano())
}
