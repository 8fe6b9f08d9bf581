// Package discord 用 discordgo 实现聊天网关
package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/palemoky/discord-relay/internal/chat"
)

// Intents 需要的网关权限：服务器消息、私信、消息内容
const Intents = discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// ErrEmptyToken 未提供 bot token
var ErrEmptyToken = errors.New("discord: empty bot token")

// Session Discord 网关会话
type Session struct {
	dg  *discordgo.Session
	log zerolog.Logger
}

var _ chat.Poster = (*Session)(nil)

// New 创建会话，不建立连接
func New(token string, log zerolog.Logger) (*Session, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("创建 discord 会话失败: %w", err)
	}
	dg.Identify.Intents = Intents
	dg.ShouldReconnectOnError = true
	// 按网关到达顺序串行执行 handler，广播不乱序
	dg.SyncEvents = true

	s := &Session{dg: dg, log: log}
	dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		s.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("🤖 Discord 网关已就绪")
	})
	dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		s.log.Warn().Msg("Discord 网关断开，等待自动重连")
	})
	return s, nil
}

// OnMessage 注册入站消息处理。handler 在 discordgo 的事件协程中执行。
func (s *Session) OnMessage(ctx context.Context, handler chat.Handler) {
	s.dg.AddHandler(func(ds *discordgo.Session, m *discordgo.MessageCreate) {
		ev, ok := s.toEvent(ds, m)
		if !ok {
			return
		}
		handler(ctx, ev)
	})
}

func (s *Session) toEvent(ds *discordgo.Session, m *discordgo.MessageCreate) (chat.Event, bool) {
	if m == nil || m.Message == nil {
		return chat.Event{}, false
	}

	channelID, err := ParseSnowflake(m.ChannelID)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", m.ChannelID).Msg("无法解析频道 ID，丢弃消息")
		return chat.Event{}, false
	}

	ev := chat.Event{ChannelID: channelID, Content: m.Content}
	if m.Author != nil {
		ev.AuthorID = m.Author.ID
		if ds != nil && ds.State != nil && ds.State.User != nil {
			ev.FromSelf = m.Author.ID == ds.State.User.ID
		}
	}
	return ev, true
}

// Open 连接网关并完成鉴权
func (s *Session) Open() error {
	if err := s.dg.Open(); err != nil {
		return fmt.Errorf("连接 discord 网关失败: %w", err)
	}
	return nil
}

// Close 断开网关
func (s *Session) Close() error {
	return s.dg.Close()
}

// Post 向频道发送消息，长度截断交给 Discord 处理
func (s *Session) Post(ctx context.Context, channelID uint64, content string) error {
	_, err := s.dg.ChannelMessageSend(FormatSnowflake(channelID), content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("发送到频道 %d 失败: %w", channelID, err)
	}
	return nil
}

// ParseSnowflake 把 Discord 的字符串 ID 转为 uint64
func ParseSnowflake(id string) (uint64, error) {
	return strconv.ParseUint(id, 10, 64)
}

// FormatSnowflake 把 uint64 转回 Discord 的字符串 ID
func FormatSnowflake(id uint64) string {
	return strconv.FormatUint(id, 10)
}
