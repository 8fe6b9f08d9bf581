package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SchemeWS WebSocket 节点的 ID 前缀
const SchemeWS = "ws"

const (
	// 写入超时
	writeWait = 10 * time.Second

	// 读取超时（pong 等待时间）
	pongWait = 60 * time.Second

	// ping 发送间隔（必须小于 pongWait）
	pingPeriod = (pongWait * 9) / 10

	// 消息最大大小（Discord 单条 2000 字符，留足 UTF-8 与信封余量）
	maxMessageSize = 64 * 1024

	// 每个连接的发送缓冲
	sendBufferSize = 256
)

// WSOptions WebSocket 网关选项
type WSOptions struct {
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// WSSocket WebSocket 网关，每个连接是一个节点
type WSSocket struct {
	server        *http.Server
	listener      net.Listener
	upgrader      websocket.Upgrader
	originChecker *OriginChecker
	log           zerolog.Logger

	conns   map[PeerID]*wsConn
	connsMu sync.RWMutex

	inbound   chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSSocket 创建网关但不监听，用于挂到已有的 HTTP 服务（测试使用 httptest）
func NewWSSocket(opts WSOptions) *WSSocket {
	s := &WSSocket{
		originChecker: NewOriginChecker(opts.AllowedOrigins),
		log:           opts.Logger,
		conns:         make(map[PeerID]*wsConn),
		inbound:       make(chan Frame),
		done:          make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originChecker.Check,
	}
	return s
}

// ListenWS 绑定 addr 并开始服务 /ws 与 /health
func ListenWS(addr string, opts WSOptions) (*WSSocket, error) {
	s := NewWSSocket(opts)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket 绑定 %s 失败: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second, // 防止 Slowloris 攻击
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("WebSocket 网关异常退出")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("WebSocket 网关已启动")
	return s, nil
}

// Addr 实际监听地址（未监听时为空）
func (s *WSSocket) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler 返回网关的 HTTP 路由
func (s *WSSocket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", handleHealth)
	return mux
}

// handleWebSocket 处理 WebSocket 连接
func (s *WSSocket) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "gateway closed", http.StatusServiceUnavailable)
		return
	default:
	}

	clientIP := GetClientIP(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("ip", clientIP).Msg("WebSocket 升级失败")
		return
	}

	c := &wsConn{
		id:     NewPeerID(SchemeWS, uuid.New().String()),
		ip:     clientIP,
		socket: s,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	s.register(c)

	s.log.Debug().Str("peer", string(c.id)).Str("ip", clientIP).Msg("WebSocket 节点已连接")

	go c.readPump()
	go c.writePump()
}

// handleHealth 健康检查接口
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *WSSocket) register(c *wsConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c.id] = c
}

func (s *WSSocket) unregister(c *wsConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if cur, ok := s.conns[c.id]; ok && cur == c {
		delete(s.conns, c.id)
		s.log.Debug().Str("peer", string(c.id)).Msg("WebSocket 节点已断开")
	}
}

// ConnCount 当前连接数
func (s *WSSocket) ConnCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// deliver 把读到的帧交给 Recv；网关关闭时丢弃
func (s *WSSocket) deliver(f Frame) bool {
	select {
	case s.inbound <- f:
		return true
	case <-s.done:
		return false
	}
}

// Recv 接收任意连接上的下一帧
func (s *WSSocket) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.inbound:
		return f, nil
	case <-s.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ErrClosed
	}
}

// Send 把数据放入节点的发送队列；节点已断开或队列已满时返回错误
func (s *WSSocket) Send(peer PeerID, data []byte) error {
	s.connsMu.RLock()
	c, ok := s.conns[peer]
	s.connsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return c.enqueue(data)
}

// Close 停止接收新连接，已排队的消息由写协程发完后关闭连接
func (s *WSSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.connsMu.Lock()
		for _, c := range s.conns {
			c.close()
		}
		s.connsMu.Unlock()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.server.Shutdown(ctx)
		}
	})
	return err
}

// wsConn 一个 WebSocket 节点连接
type wsConn struct {
	id     PeerID
	ip     string
	socket *WSSocket
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

// readPump 从 WebSocket 读取消息
func (c *wsConn) readPump() {
	defer func() {
		c.socket.unregister(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.socket.log.Warn().Err(err).Str("peer", string(c.id)).Msg("WebSocket 读取错误")
			}
			return
		}
		// 任何入站消息都视为存活
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.socket.deliver(Frame{Peer: c.id, Payload: message}) {
			return
		}
	}
}

// writePump 向 WebSocket 写入消息
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 通道已关闭
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %s", ErrClosed, c.id)
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendQueueFull, c.id)
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
