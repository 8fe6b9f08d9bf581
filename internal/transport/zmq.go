package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

// SchemeZMQ ZeroMQ 节点的 ID 前缀
const SchemeZMQ = "zmq"

// DefaultPeerTimeout 节点静默多久后视为断开（节点心跳间隔 10 秒）
const DefaultPeerTimeout = 30 * time.Second

var errEmptyZMQMessage = errors.New("transport: empty zmq message")

// ZMQOptions ZeroMQ socket 选项
type ZMQOptions struct {
	// PeerTimeout 节点超过该时间没有任何入站帧即视为断开，发往它的消息返回 ErrUnknownPeer。
	// ROUTER 对已断开的路由 ID 静默丢弃消息，只能靠心跳判断存活。0 使用 DefaultPeerTimeout。
	PeerTimeout time.Duration
	Logger      zerolog.Logger
}

// ZMQSocket 基于 ROUTER 的服务端 socket，按路由 ID 寻址每个 DEALER 节点
type ZMQSocket struct {
	sock   zmq4.Socket
	sendMu sync.Mutex // 串行化发送，接收在另一个 goroutine
	closed atomic.Bool
	log    zerolog.Logger

	peerTimeout time.Duration
	now         func() time.Time
	seenMu      sync.Mutex
	lastSeen    map[PeerID]time.Time
	lastSweep   time.Time
}

// ListenZMQ 绑定 endpoint（如 tcp://0.0.0.0:32968）。ctx 结束时 socket 随之失效。
func ListenZMQ(ctx context.Context, endpoint string, opts ZMQOptions) (*ZMQSocket, error) {
	sock := zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity("discord-relay")))
	if err := sock.Listen(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("zmq 绑定 %s 失败: %w", endpoint, err)
	}

	timeout := opts.PeerTimeout
	if timeout <= 0 {
		timeout = DefaultPeerTimeout
	}

	opts.Logger.Info().Str("endpoint", endpoint).Dur("peer_timeout", timeout).Msg("ZeroMQ ROUTER 已绑定")
	return &ZMQSocket{
		sock:        sock,
		log:         opts.Logger,
		peerTimeout: timeout,
		now:         time.Now,
		lastSeen:    make(map[PeerID]time.Time),
	}, nil
}

// Recv 接收一帧。ROUTER 首帧为路由 ID，最后一帧为负载（REQ 节点中间会带一个空分隔帧）。
func (s *ZMQSocket) Recv(ctx context.Context) (Frame, error) {
	if s.closed.Load() {
		return Frame{}, ErrClosed
	}
	msg, err := s.sock.Recv()
	if err != nil {
		if s.closed.Load() || ctx.Err() != nil {
			return Frame{}, ErrClosed
		}
		return Frame{}, fmt.Errorf("zmq 接收失败: %w", err)
	}

	frame, err := frameFromZMQ(msg)
	if err == nil && frame.Peer != "" {
		s.touch(frame.Peer)
	}
	return frame, err
}

func (s *ZMQSocket) touch(peer PeerID) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	now := s.now()
	s.lastSeen[peer] = now

	// 没有再收到消息也没被发送过的节点不会在 alive 里清掉，定期扫一遍
	if now.Sub(s.lastSweep) > s.peerTimeout {
		s.lastSweep = now
		for id, seen := range s.lastSeen {
			if now.Sub(seen) > s.peerTimeout {
				delete(s.lastSeen, id)
			}
		}
	}
}

// alive 节点在超时窗口内发过帧；过期的记录顺便清掉
func (s *ZMQSocket) alive(peer PeerID) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	seen, ok := s.lastSeen[peer]
	if !ok {
		return false
	}
	if s.now().Sub(seen) > s.peerTimeout {
		delete(s.lastSeen, peer)
		return false
	}
	return true
}

func frameFromZMQ(msg zmq4.Msg) (Frame, error) {
	if len(msg.Frames) == 0 {
		return Frame{}, errEmptyZMQMessage
	}

	var frame Frame
	if id := msg.Frames[0]; len(id) > 0 {
		frame.Peer = zmqPeerID(id)
	}
	if len(msg.Frames) > 1 {
		frame.Payload = msg.Frames[len(msg.Frames)-1]
	}
	return frame, nil
}

// Send 按路由 ID 发送
func (s *ZMQSocket) Send(peer PeerID, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	id, err := zmqRoutingID(peer)
	if err != nil {
		return err
	}
	if !s.alive(peer) {
		return fmt.Errorf("%w: %s 心跳超时", ErrUnknownPeer, peer)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.sock.SendMulti(zmq4.NewMsgFrom(id, data)); err != nil {
		return fmt.Errorf("zmq 发送到 %s 失败: %w", peer, err)
	}
	return nil
}

// Addr 实际监听地址（绑定 :0 时用于获取端口）
func (s *ZMQSocket) Addr() string {
	if addr := s.sock.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close 关闭 socket
func (s *ZMQSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.sock.Close()
}

func zmqPeerID(routingID []byte) PeerID {
	return NewPeerID(SchemeZMQ, hex.EncodeToString(routingID))
}

func zmqRoutingID(peer PeerID) ([]byte, error) {
	if peer.Scheme() != SchemeZMQ {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	id, err := hex.DecodeString(peer.Raw())
	if err != nil || len(id) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return id, nil
}
