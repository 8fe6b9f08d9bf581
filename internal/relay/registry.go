package relay

import (
	"errors"
	"sync"

	"github.com/palemoky/discord-relay/internal/transport"
)

// ErrRegistryFull 注册表已达容量上限
var ErrRegistryFull = errors.New("relay: peer registry full")

// PeerRegistry 当前可接收广播的节点集合
//
// 所有操作都在同一把互斥锁下执行。FanOut 在整个广播期间持有该锁，
// 发送失败的节点在同一个临界区内被移除。
type PeerRegistry struct {
	mu       sync.Mutex
	peers    map[transport.PeerID]struct{}
	maxPeers int // 0 表示不限
}

// Eviction 一次发送失败导致的移除
type Eviction struct {
	Peer transport.PeerID
	Err  error
}

// FanOutResult 一次广播的结果
type FanOutResult struct {
	Attempted int
	Delivered int
	Evicted   []Eviction
}

// NewPeerRegistry 创建注册表
func NewPeerRegistry(maxPeers int) *PeerRegistry {
	if maxPeers < 0 {
		maxPeers = 0
	}
	return &PeerRegistry{
		peers:    make(map[transport.PeerID]struct{}),
		maxPeers: maxPeers,
	}
}

// Insert 幂等添加，返回是否为新节点。已满时新节点不会加入并返回 ErrRegistryFull。
func (r *PeerRegistry) Insert(id transport.PeerID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; ok {
		return false, nil
	}
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		return false, ErrRegistryFull
	}
	r.peers[id] = struct{}{}
	return true, nil
}

// Remove 幂等移除
func (r *PeerRegistry) Remove(id transport.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// contains 是否已注册
func (r *PeerRegistry) contains(id transport.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	return ok
}

// Len 节点数
func (r *PeerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Snapshot 返回当前节点的副本，顺序不定
func (r *PeerRegistry) Snapshot() []transport.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]transport.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// FanOut 对每个节点调用一次 send，失败的节点在遍历结束后统一移除
func (r *PeerRegistry) FanOut(send func(transport.PeerID) error) FanOutResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res FanOutResult
	for id := range r.peers {
		res.Attempted++
		if err := send(id); err != nil {
			res.Evicted = append(res.Evicted, Eviction{Peer: id, Err: err})
			continue
		}
		res.Delivered++
	}

	for _, ev := range res.Evicted {
		delete(r.peers, ev.Peer)
	}
	return res
}
