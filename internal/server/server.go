// Package server 实现开发用的位置中继服务器：校验凭证、分配槽位、按 tick 广播位置批次、回复 ping、转发事件。
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"
)

// 握手中但尚未入座的连接也占用名额
const pendingConnections = 8

// Server 中继服务器
type Server struct {
	cfg  Config
	room *Room

	// 网络
	listener ServerListener

	// 控制
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sessions sizedwaitgroup.SizedWaitGroup
	started  time.Time
	once     sync.Once
	shutdown chan struct{}
}

// NewServer 创建新的中继服务器
func NewServer(cfg Config) *Server {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sessions: sizedwaitgroup.New(cfg.MaxPlayers + pendingConnections),
		shutdown: make(chan struct{}),
	}
}

// Listen 绑定监听地址并启动房间与接受循环
func (s *Server) Listen() error {
	log.Printf("启动中继服务器: %s (%s)", s.cfg.Addr, s.cfg.Proto)

	listener, err := newListener(s.cfg.Proto, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	s.listener = listener
	s.started = time.Now()

	log.Printf("服务器监听中: %s", listener.Addr())

	s.room = NewRoom(s.ctx, s.cfg.TickRate, s.cfg.MaxPlayers, s.cfg.Bots)

	// 启动房间循环
	s.wg.Add(1)
	go s.room.Run(&s.wg)

	// 启动连接接受循环
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Start 启动服务器并阻塞到 Shutdown
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	// 等待关闭信号
	<-s.shutdown

	log.Println("服务器正在关闭...")
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() {
	s.once.Do(func() {
		log.Println("正在关闭服务器...")

		// 取消上下文
		s.cancel()

		if s.room != nil {
			s.room.Shutdown()
		}

		// 关闭监听器
		if s.listener != nil {
			s.listener.Close()
		}

		// 关闭 shutdown 通道
		close(s.shutdown)

		// 等待所有 goroutine 结束
		s.wg.Wait()
		s.sessions.Wait()

		if !s.started.IsZero() {
			log.Printf("服务器已关闭, 运行时长 %s", durafmt.Parse(time.Since(s.started)).LimitFirstN(2))
		} else {
			log.Println("服务器已关闭")
		}
	})
}

// acceptLoop 接受客户端连接，并发会话数达到上限时暂停接受
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		if err := s.sessions.AddWithContext(s.ctx); err != nil {
			log.Println("停止接受新连接")
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.sessions.Done()
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("接受连接失败: %v", err)
				continue
			}
		}

		log.Printf("新连接来自: %s", conn.RemoteAddr())

		// 创建连接对象
		connection := NewConnection(conn, s)

		// 启动连接处理
		go func() {
			defer s.sessions.Done()
			connection.Handle(s.ctx)
		}()
	}
}
