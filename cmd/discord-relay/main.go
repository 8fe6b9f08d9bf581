package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/palemoky/discord-relay/internal/apperrors"
	"github.com/palemoky/discord-relay/internal/chat/discord"
	"github.com/palemoky/discord-relay/internal/config"
	"github.com/palemoky/discord-relay/internal/logger"
	"github.com/palemoky/discord-relay/internal/relay"
	"github.com/palemoky/discord-relay/internal/storage"
	"github.com/palemoky/discord-relay/internal/transport"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	stop()

	if err != nil {
		l := logger.L()
		l.Error().Err(err).Msg("中继退出")
	}
	os.Exit(apperrors.ExitCode(err))
}

func run(ctx context.Context) error {
	path := os.Getenv("RELAY_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}

	// 加载配置
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("加载配置文件失败: %w", err)
	}

	log, err := logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	// 绑定 socket
	socket, err := openSockets(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := socket.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭 socket 失败")
		}
	}()

	mirror := openMirror(ctx, cfg, log)
	if mirror != nil {
		defer func() { _ = mirror.Close() }()
	}

	session, err := discord.New(cfg.Discord.Token, log)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMissingToken, err)
	}

	deps := relay.Deps{
		Socket:   socket,
		Poster:   session,
		Registry: relay.NewPeerRegistry(cfg.Relay.MaxPeers),
		Logger:   log,
	}
	if mirror != nil {
		deps.Mirror = mirror
	}
	broker := relay.NewBroker(deps, relay.Options{
		ReplyOK:         cfg.Relay.ReplyOK,
		SkipOwnMessages: cfg.Relay.SkipOwnMessages,
		MaxPerSecond:    cfg.RateLimit.MaxPerSecond,
	})

	// 打开网关，失败视为致命错误；之后的断线由 discordgo 自动重连
	session.OnMessage(ctx, broker.HandleChatMessage)
	if err := session.Open(); err != nil {
		return apperrors.Wrap(apperrors.ErrGateway, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭 Discord 会话失败")
		}
	}()

	go broker.Monitor(ctx, cfg.Relay.MonitorIntervalDuration())

	log.Info().Str("bind", cfg.Relay.Bind).Str("ws", cfg.WebSocket.Addr).Msg("🚀 Discord 中继启动")
	if err := broker.Serve(ctx); err != nil {
		return err
	}

	log.Info().Msg("正在关闭中继...")
	return nil
}

// openSockets 绑定 ZeroMQ，以及可选的 WebSocket 网关
func openSockets(ctx context.Context, cfg *config.Config, log zerolog.Logger) (transport.Socket, error) {
	zmqSock, err := transport.ListenZMQ(ctx, cfg.Relay.Bind, transport.ZMQOptions{
		PeerTimeout: cfg.Relay.PeerTimeoutDuration(),
		Logger:      log.With().Str("component", "zmq").Logger(),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBind, err)
	}

	members := map[string]transport.Socket{transport.SchemeZMQ: zmqSock}
	if cfg.WebSocket.Enabled() {
		wsSock, err := transport.ListenWS(cfg.WebSocket.Addr, transport.WSOptions{
			AllowedOrigins: cfg.WebSocket.AllowedOrigins,
			Logger:         log.With().Str("component", "websocket").Logger(),
		})
		if err != nil {
			_ = zmqSock.Close()
			return nil, apperrors.Wrap(apperrors.ErrBind, err)
		}
		members[transport.SchemeWS] = wsSock
	}

	return transport.NewGroup(members), nil
}

// openMirror 连接 Redis；未配置或不可用时返回 nil，中继照常运行
func openMirror(ctx context.Context, cfg *config.Config, log zerolog.Logger) *storage.RedisStore {
	if !cfg.Redis.Enabled() {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := storage.NewRedisStore(client, cfg.Redis.Channel, cfg.Redis.StatsKey)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis 不可用，已禁用事件镜像")
		_ = store.Close()
		return nil
	}

	log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("Redis 事件镜像已启用")

	// 计数在重启之间累加，启动时输出历史总数
	if totals, err := store.Counters(pingCtx); err != nil {
		log.Warn().Err(err).Str("key", cfg.Redis.StatsKey).Msg("读取历史计数失败")
	} else if len(totals) > 0 {
		log.Info().Interface("totals", totals).Msg("📊 历史计数")
	}
	return store
}
