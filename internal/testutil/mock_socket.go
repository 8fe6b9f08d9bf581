//go:build !production

package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/palemoky/discord-relay/internal/transport"
)

// recvItem 排队等待 Recv 返回的一帧或一个错误
type recvItem struct {
	frame transport.Frame
	err   error
}

// FakeSocket 内存 socket：测试推入帧、注入发送失败、读取已发送内容
type FakeSocket struct {
	inbound   chan recvItem
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sent    map[transport.PeerID][][]byte
	order   []transport.PeerID
	failing map[transport.PeerID]error
	delays  map[transport.PeerID]time.Duration
}

var _ transport.Socket = (*FakeSocket)(nil)

// NewFakeSocket 创建内存 socket
func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		inbound: make(chan recvItem, 64),
		closed:  make(chan struct{}),
		sent:    make(map[transport.PeerID][][]byte),
		failing: make(map[transport.PeerID]error),
		delays:  make(map[transport.PeerID]time.Duration),
	}
}

// Push 模拟节点发来一帧
func (s *FakeSocket) Push(peer transport.PeerID, payload string) {
	s.inbound <- recvItem{frame: transport.Frame{Peer: peer, Payload: []byte(payload)}}
}

// PushError 让下一次 Recv 返回 err
func (s *FakeSocket) PushError(err error) {
	s.inbound <- recvItem{err: err}
}

// Fail 之后发往 peer 的消息都返回 err（nil 恢复正常）
func (s *FakeSocket) Fail(peer transport.PeerID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failing, peer)
		return
	}
	s.failing[peer] = err
}

// SetDelay 模拟慢节点，每次发送前等待 d
func (s *FakeSocket) SetDelay(peer transport.PeerID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[peer] = d
}

func (s *FakeSocket) Recv(ctx context.Context) (transport.Frame, error) {
	select {
	case item := <-s.inbound:
		return item.frame, item.err
	case <-s.closed:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, transport.ErrClosed
	}
}

func (s *FakeSocket) Send(peer transport.PeerID, data []byte) error {
	s.mu.Lock()
	delay := s.delays[peer]
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing[peer]; err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.sent[peer] = append(s.sent[peer], buf)
	s.order = append(s.order, peer)
	return nil
}

func (s *FakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Sent 返回成功发往 peer 的所有帧
func (s *FakeSocket) Sent(peer transport.PeerID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent[peer]))
	for _, b := range s.sent[peer] {
		out = append(out, string(b))
	}
	return out
}

// SendCount 成功发送的总帧数
func (s *FakeSocket) SendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
