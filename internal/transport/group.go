package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type recvResult struct {
	frame Frame
	err   error
}

// Group 把多个 socket 合并成一个：Recv 汇聚所有成员，Send 按 PeerID 的 scheme 路由
type Group struct {
	members map[string]Socket

	results   chan recvResult
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewGroup 创建 socket 组，key 为成员负责的 scheme
func NewGroup(members map[string]Socket) *Group {
	return &Group{
		members: members,
		results: make(chan recvResult),
		done:    make(chan struct{}),
	}
}

// start 为每个成员启动接收协程，所有成员退出后关闭 results
func (g *Group) start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sock := range g.members {
		wg.Add(1)
		go func(sock Socket) {
			defer wg.Done()
			g.pump(ctx, sock)
		}(sock)
	}

	go func() {
		wg.Wait()
		close(g.results)
	}()
}

func (g *Group) pump(ctx context.Context, sock Socket) {
	for {
		frame, err := sock.Recv(ctx)
		if errors.Is(err, ErrClosed) {
			return
		}

		select {
		case g.results <- recvResult{frame: frame, err: err}:
		case <-g.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Recv 返回任一成员收到的下一帧；全部成员关闭后返回 ErrClosed
func (g *Group) Recv(ctx context.Context) (Frame, error) {
	g.startOnce.Do(func() { g.start(ctx) })

	select {
	case res, ok := <-g.results:
		if !ok {
			return Frame{}, ErrClosed
		}
		return res.frame, res.err
	case <-g.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ErrClosed
	}
}

// Send 路由到 PeerID 对应的成员
func (g *Group) Send(peer PeerID, data []byte) error {
	sock, ok := g.members[peer.Scheme()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return sock.Send(peer, data)
}

// Close 关闭所有成员
func (g *Group) Close() error {
	var errs []error
	g.closeOnce.Do(func() {
		close(g.done)
		for _, sock := range g.members {
			if err := sock.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
