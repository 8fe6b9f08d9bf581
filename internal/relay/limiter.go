package relay

import (
	"sync"
	"time"

	"github.com/palemoky/discord-relay/internal/transport"
)

// MessageRateLimiter 节点发送指令的速率限制器
type MessageRateLimiter struct {
	limits map[transport.PeerID]*messageRate
	mu     sync.Mutex
	now    func() time.Time

	maxMessagesPerSecond int
	warningThreshold     int // 警告阈值
}

type messageRate struct {
	count     int
	lastReset time.Time
	warnings  int // 超限次数
}

// NewMessageRateLimiter 创建限制器，maxPerSecond <= 0 时返回 nil（不限流）
func NewMessageRateLimiter(maxPerSecond int) *MessageRateLimiter {
	if maxPerSecond <= 0 {
		return nil
	}
	return &MessageRateLimiter{
		limits:               make(map[transport.PeerID]*messageRate),
		now:                  time.Now,
		maxMessagesPerSecond: maxPerSecond,
		warningThreshold:     maxPerSecond / 2,
	}
}

// AllowMessage 检查是否允许本条消息；warning 表示已接近或超过上限
func (ml *MessageRateLimiter) AllowMessage(peer transport.PeerID) (allowed bool, warning bool) {
	if ml == nil {
		return true, false
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := ml.now()
	rate, exists := ml.limits[peer]
	if !exists {
		ml.limits[peer] = &messageRate{count: 1, lastReset: now}
		return true, false
	}

	// 如果超过 1 秒，重置计数
	if now.Sub(rate.lastReset) >= time.Second {
		rate.count = 1
		rate.lastReset = now
		return true, false
	}

	rate.count++

	if rate.count > ml.maxMessagesPerSecond {
		rate.warnings++
		return false, true
	}

	if ml.warningThreshold > 0 && rate.count > ml.warningThreshold {
		return true, true
	}

	return true, false
}

// GetWarningCount 获取超限次数
func (ml *MessageRateLimiter) GetWarningCount(peer transport.PeerID) int {
	if ml == nil {
		return 0
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	rate, exists := ml.limits[peer]
	if !exists {
		return 0
	}
	return rate.warnings
}

// RemovePeer 移除节点记录
func (ml *MessageRateLimiter) RemovePeer(peer transport.PeerID) {
	if ml == nil {
		return
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.limits, peer)
}
