package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"racesync/internal/server"
)

func main() {
	// 命令行参数
	address := flag.String("addr", ":8080", "服务器监听地址")
	proto := flag.String("proto", "tcp", "传输协议: tcp / kcp / ws")
	tick := flag.Int("tick", server.DefaultTickRate, "位置广播频率 (Hz)")
	maxPlayers := flag.Int("max", server.DefaultMaxPlayers, "最大玩家数")
	bots := flag.Int("bots", 0, "AI 车手数量")
	flag.Parse()

	cfg := server.DefaultConfig()
	cfg.Addr = *address
	cfg.Proto = *proto
	cfg.TickRate = *tick
	cfg.MaxPlayers = *maxPlayers
	cfg.Bots = *bots

	// 创建服务器
	relay := server.NewServer(cfg)

	// 启动服务器（在新的 goroutine 中）
	go func() {
		if err := relay.Start(); err != nil {
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	log.Println("========================================")
	log.Println("  RaceSync 位置中继服务器")
	log.Println("========================================")
	log.Printf("监听地址: %s (%s)", *address, *proto)
	log.Printf("最大玩家数: %d", *maxPlayers)
	log.Printf("广播频率: %d Hz", *tick)
	log.Printf("AI 车手: %d", *bots)
	log.Println("========================================")
	log.Println("服务器正在运行...")
	log.Println("按 Ctrl+C 停止服务器")

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("正在关闭服务器...")
	relay.Shutdown()

	log.Println("服务器已关闭，再见！")
}
