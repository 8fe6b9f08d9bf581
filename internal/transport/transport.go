// Package transport 定义中继与节点之间的消息 socket，以及 ZeroMQ / WebSocket 两种实现。
package transport

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrClosed socket 已关闭，接收循环应退出
	ErrClosed = errors.New("transport: socket closed")
	// ErrUnknownPeer 目标节点不存在（已断开或从未连接）
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrSendQueueFull 节点发送缓冲区已满
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// PeerID 传输层分配的节点标识，形如 "<scheme>:<id>"，中继只把它当作不透明值
type PeerID string

// NewPeerID 拼接 scheme 与传输层原始 ID
func NewPeerID(scheme, raw string) PeerID {
	return PeerID(scheme + ":" + raw)
}

// Scheme 返回 ID 所属的传输层
func (p PeerID) Scheme() string {
	scheme, _, ok := strings.Cut(string(p), ":")
	if !ok {
		return ""
	}
	return scheme
}

// Raw 返回去掉 scheme 的原始部分
func (p PeerID) Raw() string {
	_, raw, ok := strings.Cut(string(p), ":")
	if !ok {
		return string(p)
	}
	return raw
}

// Frame 收到的一帧。Peer 为空表示传输层没有提供路由 ID。
type Frame struct {
	Peer    PeerID
	Payload []byte
}

// Socket 服务端消息 socket
//
// Recv 与 Send 可以在不同 goroutine 中并发调用。
type Socket interface {
	// Recv 阻塞直到收到一帧；socket 关闭后返回 ErrClosed
	Recv(ctx context.Context) (Frame, error)
	// Send 向单个节点发送一帧
	Send(peer PeerID, data []byte) error
	Close() error
}
