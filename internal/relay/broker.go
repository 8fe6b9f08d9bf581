// Package relay 实现 Discord 与 socket 节点之间的中继：节点注册表、聊天广播与 socket 接收循环
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/palemoky/discord-relay/internal/chat"
	"github.com/palemoky/discord-relay/internal/logger"
	"github.com/palemoky/discord-relay/internal/protocol"
	"github.com/palemoky/discord-relay/internal/protocol/codec"
	"github.com/palemoky/discord-relay/internal/transport"
)

const (
	// 接收出错后的退避，避免坏掉的 socket 空转
	defaultRecvBackoff = 100 * time.Millisecond
	// 单次 Redis 镜像操作超时
	mirrorTimeout = 2 * time.Second
)

// EventMirror 聊天事件与计数的旁路输出（Redis）
type EventMirror interface {
	PublishEvent(ctx context.Context, data []byte) error
	IncrCounters(ctx context.Context, delta map[string]int64) error
}

// Options 中继行为开关
type Options struct {
	ReplyOK         bool // 成功转发到 Discord 后回复 "OK"
	SkipOwnMessages bool // 不广播机器人自己发出的消息
	MaxPerSecond    int  // 每个节点每秒最多发送的指令数，0 不限
}

// Deps 中继依赖
type Deps struct {
	Socket   transport.Socket
	Poster   chat.Poster
	Registry *PeerRegistry
	Mirror   EventMirror // 可选
	Logger   zerolog.Logger
}

// Broker 中继核心
type Broker struct {
	socket   transport.Socket
	poster   chat.Poster
	registry *PeerRegistry
	mirror   EventMirror
	limiter  *MessageRateLimiter
	stats    *Stats
	opts     Options
	log      zerolog.Logger

	recvBackoff time.Duration
}

// NewBroker 创建中继
func NewBroker(deps Deps, opts Options) *Broker {
	registry := deps.Registry
	if registry == nil {
		registry = NewPeerRegistry(0)
	}
	return &Broker{
		socket:      deps.Socket,
		poster:      deps.Poster,
		registry:    registry,
		mirror:      deps.Mirror,
		limiter:     NewMessageRateLimiter(opts.MaxPerSecond),
		stats:       &Stats{},
		opts:        opts,
		log:         deps.Logger.With().Str("component", "relay").Logger(),
		recvBackoff: defaultRecvBackoff,
	}
}

// Registry 节点注册表
func (b *Broker) Registry() *PeerRegistry { return b.registry }

// Stats 运行计数
func (b *Broker) Stats() *Stats { return b.stats }

// HandleChatMessage 处理一条 Discord 消息：编码后广播给所有已注册节点。
// 任何错误都不会传出，网关会话不受影响。
func (b *Broker) HandleChatMessage(ctx context.Context, ev chat.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(b.log, r)
		}
	}()

	b.log.Trace().Uint64("channel_id", ev.ChannelID).Msg("收到 Discord 消息")

	if ev.FromSelf && b.opts.SkipOwnMessages {
		return
	}

	data, err := codec.Encode(protocol.NewMessage(ev.ChannelID, ev.Content))
	if err != nil {
		b.log.Warn().Err(err).Uint64("channel_id", ev.ChannelID).Msg("消息序列化失败，丢弃")
		return
	}
	b.stats.ChatEvents.Add(1)

	res := b.registry.FanOut(func(peer transport.PeerID) error {
		return b.socket.Send(peer, data)
	})

	b.stats.FramesSent.Add(int64(res.Delivered))
	b.stats.PeersEvicted.Add(int64(len(res.Evicted)))
	for _, evicted := range res.Evicted {
		b.limiter.RemovePeer(evicted.Peer)
		b.log.Warn().Err(evicted.Err).Str("peer", string(evicted.Peer)).Msg("发送失败，节点已移除")
	}
	if res.Attempted > 0 {
		b.log.Trace().Int("delivered", res.Delivered).Int("evicted", len(res.Evicted)).Msg("广播完成")
	}

	b.mirrorEvent(ctx, data)
}

func (b *Broker) mirrorEvent(ctx context.Context, data []byte) {
	if b.mirror == nil {
		return
	}
	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := b.mirror.PublishEvent(mctx, data); err != nil {
		b.log.Warn().Err(err).Msg("发布到 Redis 失败")
	}
}

// Serve socket 接收循环。接收错误只记录不退出；ctx 结束或 socket 关闭时返回 nil。
func (b *Broker) Serve(ctx context.Context) error {
	b.log.Info().Msg("🚀 中继开始接收节点消息")

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := b.socket.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			b.stats.RecvErrors.Add(1)
			b.log.Error().Err(err).Msg("接收节点消息失败")
			if !sleepCtx(ctx, b.recvBackoff) {
				return nil
			}
			continue
		}

		b.handleFrame(ctx, frame)
	}
}

// handleFrame 处理一帧：解码成功后才注册节点，再按类型分发
func (b *Broker) handleFrame(ctx context.Context, frame transport.Frame) {
	b.stats.FramesReceived.Add(1)
	log := b.log.With().Str("peer", string(frame.Peer)).Logger()
	log.Trace().Int("bytes", len(frame.Payload)).Msg("收到节点消息")

	env, err := codec.Decode(frame.Payload)
	if err != nil {
		b.stats.DecodeFailures.Add(1)
		log.Error().Err(err).Msg("解析指令失败")
		return
	}

	if frame.Peer != "" {
		b.register(log, frame.Peer)
	}

	switch {
	case env.IsKeepAlive():
		log.Trace().Msg("收到心跳")
	case env.IsMessage():
		b.handleSend(ctx, log, frame.Peer, env.Message)
	}
}

func (b *Broker) register(log zerolog.Logger, peer transport.PeerID) {
	added, err := b.registry.Insert(peer)
	switch {
	case errors.Is(err, ErrRegistryFull):
		log.Warn().Int("peers", b.registry.Len()).Msg("注册表已满，节点未注册")
	case added:
		log.Info().Int("peers", b.registry.Len()).Msg("✅ 新节点已注册")
	}
}

// handleSend 把节点的发送指令转发到 Discord
func (b *Broker) handleSend(ctx context.Context, log zerolog.Logger, peer transport.PeerID, msg protocol.RelayMessage) {
	if peer != "" {
		allowed, warning := b.limiter.AllowMessage(peer)
		if !allowed {
			b.stats.RateLimited.Add(1)
			log.Warn().Int("warnings", b.limiter.GetWarningCount(peer)).Msg("⚠️ 节点消息过于频繁，丢弃")
			return
		}
		if warning {
			b.stats.RateWarnings.Add(1)
			log.Debug().Msg("节点发送速率接近上限")
		}
	}

	if err := b.poster.Post(ctx, msg.ChannelID, msg.Content); err != nil {
		b.stats.PostsFailed.Add(1)
		log.Error().Err(err).Uint64("channel_id", msg.ChannelID).Msg("发送到 Discord 失败")
		return
	}
	b.stats.PostsOK.Add(1)

	if b.opts.ReplyOK && peer != "" {
		if err := b.socket.Send(peer, protocol.AckFrame); err != nil {
			b.registry.Remove(peer)
			b.limiter.RemovePeer(peer)
			b.stats.PeersEvicted.Add(1)
			log.Warn().Err(err).Msg("回复失败，节点已移除")
		}
	}
}

// sleepCtx 等待 d，ctx 先结束时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
