// Package peer 中继节点客户端：以 ZeroMQ DEALER 连接中继，收发信封并保持心跳
package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/palemoky/discord-relay/internal/logger"
	"github.com/palemoky/discord-relay/internal/protocol"
	"github.com/palemoky/discord-relay/internal/protocol/codec"
)

const (
	// 心跳间隔
	defaultKeepAlive = 10 * time.Second
	// 最大重连次数
	maxReconnectAttempts = 5
	// 初始重连间隔
	defaultReconnectInterval = 2 * time.Second
	// 重连退避上限
	maxReconnectBackoff = 30 * time.Second
	// 接收缓冲
	inboundBufferSize = 256
)

// ErrClosed 客户端已关闭
var ErrClosed = errors.New("peer: client closed")

// Conn 一条到中继的连接，zmq4.Socket 满足该接口
type Conn interface {
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	Close() error
}

// DialFunc 建立连接
type DialFunc func(ctx context.Context, endpoint string, identity []byte) (Conn, error)

// Incoming 收到的一帧：中继广播的信封，或 "OK" 回执
type Incoming struct {
	Envelope protocol.Envelope
	Ack      bool
}

// Options 客户端选项
type Options struct {
	Endpoint          string
	KeepAlive         time.Duration // 0 使用默认值
	ReconnectInterval time.Duration // 0 使用默认值
	Dial              DialFunc      // nil 使用 ZeroMQ DEALER
	Logger            zerolog.Logger

	OnReconnecting func(attempt, maxAttempts int) // 正在重连
	OnReconnect    func()                         // 重连成功
	OnClose        func()                         // 放弃重连，客户端关闭
}

// Client 中继节点客户端
type Client struct {
	opts     Options
	identity []byte
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conn   Conn
	gen    int // 连接代数，旧连接的接收循环据此退出
	closed bool

	sendMu  sync.Mutex
	inbound chan Incoming
	done    chan struct{}

	reconnecting atomic.Bool
	acks         atomic.Int64
}

// NewClient 创建客户端，路由 ID 在整个生命周期内保持不变
func NewClient(opts Options) *Client {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.Dial == nil {
		opts.Dial = DialDealer
	}

	id := uuid.New()
	return &Client{
		opts:     opts,
		identity: id[:8],
		log:      opts.Logger.With().Str("component", "peer").Str("endpoint", opts.Endpoint).Logger(),
		inbound:  make(chan Incoming, inboundBufferSize),
		done:     make(chan struct{}),
	}
}

// DialDealer 以 DEALER 角色连接中继的 ROUTER
func DialDealer(ctx context.Context, endpoint string, identity []byte) (Conn, error) {
	sock := zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(identity)))
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("连接 %s 失败: %w", endpoint, err)
	}
	return sock, nil
}

// Connect 连接中继，立即发送一次心跳完成注册，并启动心跳
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.opts.Dial(c.ctx, c.opts.Endpoint, c.identity)
	if err != nil {
		c.cancel()
		return err
	}
	c.attach(conn)

	if err := c.SendKeepAlive(); err != nil {
		c.log.Warn().Err(err).Msg("首次心跳发送失败")
	}

	go c.keepAliveLoop()
	return nil
}

// attach 切换到新连接并启动其接收循环
func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.recvLoop(conn, gen)
}

func (c *Client) recvLoop(conn Conn, gen int) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(c.log, r)
		}
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			if c.stale(gen) {
				return
			}
			c.log.Warn().Err(err).Msg("连接断开")
			go c.tryReconnect()
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}
		c.dispatch(msg.Frames[len(msg.Frames)-1])
	}
}

func (c *Client) dispatch(payload []byte) {
	var in Incoming
	if bytes.Equal(payload, protocol.AckFrame) {
		c.acks.Add(1)
		in.Ack = true
	} else {
		env, err := codec.Decode(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("消息解析错误")
			return
		}
		in.Envelope = env
	}

	select {
	case c.inbound <- in:
	default:
		c.log.Warn().Msg("接收缓冲已满，丢弃消息")
	}
}

// stale 连接已被替换或客户端已关闭
func (c *Client) stale(gen int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed || gen != c.gen
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.IsConnected() && !c.reconnecting.Load() {
				if err := c.SendKeepAlive(); err != nil {
					c.log.Debug().Err(err).Msg("心跳发送失败")
				}
			}
		case <-c.done:
			return
		}
	}
}

// Inbound 接收到的消息
func (c *Client) Inbound() <-chan Incoming {
	return c.inbound
}

// Send 请求中继把 content 发到 Discord 频道
func (c *Client) Send(channelID uint64, content string) error {
	data, err := codec.Encode(protocol.NewMessage(channelID, content))
	if err != nil {
		return err
	}
	return c.write(data)
}

// SendKeepAlive 发送心跳
func (c *Client) SendKeepAlive() error {
	return c.write(codec.MustEncode(protocol.KeepAlive()))
}

func (c *Client) write(data []byte) error {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return errors.New("peer: not connected")
	}

	c.sendMu.Lock()
	err := conn.Send(zmq4.NewMsg(data))
	c.sendMu.Unlock()
	if err != nil {
		go c.tryReconnect()
		return fmt.Errorf("发送失败: %w", err)
	}
	return nil
}

// tryReconnect 指数退避重连，超过最大次数后关闭客户端
func (c *Client) tryReconnect() {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(c.log, r)
			c.reconnecting.Store(false)
		}
	}()

	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.conn
	c.gen++
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	backoff := c.opts.ReconnectInterval
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if c.opts.OnReconnecting != nil {
			c.opts.OnReconnecting(attempt, maxReconnectAttempts)
		}
		c.log.Info().Int("attempt", attempt).Int("max", maxReconnectAttempts).Msg("🔄 尝试重连")

		select {
		case <-time.After(backoff):
		case <-c.done:
			return
		}
		backoff = min(backoff*2, maxReconnectBackoff)

		conn, err := c.opts.Dial(c.ctx, c.opts.Endpoint, c.identity)
		if err != nil {
			c.log.Warn().Err(err).Msg("重连失败")
			continue
		}
		c.attach(conn)

		c.sendMu.Lock()
		err = conn.Send(zmq4.NewMsg(codec.MustEncode(protocol.KeepAlive())))
		c.sendMu.Unlock()
		if err != nil {
			c.log.Warn().Err(err).Msg("重连后心跳失败")
			c.mu.Lock()
			c.gen++
			c.mu.Unlock()
			_ = conn.Close()
			continue
		}

		c.log.Info().Msg("✅ 重连成功")
		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect()
		}
		return
	}

	c.log.Error().Msg("❌ 重连失败，已达最大尝试次数")
	c.Close()
	if c.opts.OnClose != nil {
		c.opts.OnClose()
	}
}

// Close 关闭客户端，可重复调用
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// IsConnected 是否已连接
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.conn != nil
}

// IsReconnecting 是否正在重连
func (c *Client) IsReconnecting() bool {
	return c.reconnecting.Load()
}

// Acks 收到的 "OK" 回执数
func (c *Client) Acks() int64 {
	return c.acks.Load()
}

// Identity 路由 ID（中继侧显示为 zmq:<hex>）
func (c *Client) Identity() []byte {
	return c.identity
}
