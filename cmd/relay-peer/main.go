package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/palemoky/discord-relay/internal/logger"
	"github.com/palemoky/discord-relay/internal/storage"
	"github.com/palemoky/discord-relay/internal/ui"
)

func main() {
	serverAddr := flag.String("server", "localhost:32968", "中继地址")
	keepAlive := flag.Duration("keepalive", 10*time.Second, "心跳间隔")
	logPath := flag.String("log", "", "日志文件路径，为空则不输出日志")
	redisAddr := flag.String("redis", "", "Redis 地址，设置后同时显示中继的事件镜像")
	redisChannel := flag.String("redis-channel", "relay:events", "Redis 事件频道")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// TUI 占用终端，日志只能写文件
	peerLog := zerolog.Nop()
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("打开日志文件失败: %v", err)
		}
		defer f.Close()

		peerLog, err = logger.Init(logger.Options{Level: "debug", Format: "json", Output: f})
		if err != nil {
			log.Fatalf("初始化日志失败: %v", err)
		}
	}

	endpoint := fmt.Sprintf("tcp://%s", *serverAddr)
	model := ui.NewPeerModel(endpoint, *keepAlive, peerLog)

	if *redisAddr != "" {
		store := storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: *redisAddr}), *redisChannel, "")
		defer store.Close()

		feed, err := store.StreamEvents(ctx, peerLog)
		if err != nil {
			log.Fatalf("订阅 Redis 事件失败: %v", err)
		}
		model.WithMirror(feed)
	}

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("启动客户端时出错: %v", err)
	}
}
