package relay

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// 计数器名称，同时作为 Redis hash 的字段名
const (
	StatChatEvents     = "chat_events"
	StatFramesSent     = "frames_sent"
	StatPeersEvicted   = "peers_evicted"
	StatFramesReceived = "frames_received"
	StatRecvErrors     = "recv_errors"
	StatDecodeFailures = "decode_failures"
	StatRateLimited    = "rate_limited"
	StatRateWarnings   = "rate_warnings"
	StatPostsOK        = "posts_ok"
	StatPostsFailed    = "posts_failed"
)

// Stats 中继运行计数
type Stats struct {
	ChatEvents     atomic.Int64
	FramesSent     atomic.Int64
	PeersEvicted   atomic.Int64
	FramesReceived atomic.Int64
	RecvErrors     atomic.Int64
	DecodeFailures atomic.Int64
	RateLimited    atomic.Int64
	RateWarnings   atomic.Int64 // 超过警告阈值但仍放行
	PostsOK        atomic.Int64
	PostsFailed    atomic.Int64
}

// Snapshot 读取所有计数
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		StatChatEvents:     s.ChatEvents.Load(),
		StatFramesSent:     s.FramesSent.Load(),
		StatPeersEvicted:   s.PeersEvicted.Load(),
		StatFramesReceived: s.FramesReceived.Load(),
		StatRecvErrors:     s.RecvErrors.Load(),
		StatDecodeFailures: s.DecodeFailures.Load(),
		StatRateLimited:    s.RateLimited.Load(),
		StatRateWarnings:   s.RateWarnings.Load(),
		StatPostsOK:        s.PostsOK.Load(),
		StatPostsFailed:    s.PostsFailed.Load(),
	}
}

// diffCounters 返回 cur 相对 prev 的增量，只保留非零项
func diffCounters(cur, prev map[string]int64) map[string]int64 {
	delta := make(map[string]int64)
	for k, v := range cur {
		if d := v - prev[k]; d != 0 {
			delta[k] = d
		}
	}
	return delta
}

// Monitor 定期输出中继状态，并把计数增量同步到 mirror（如果有）
func (b *Broker) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := make(map[string]int64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev = b.reportStats(ctx, prev)
		}
	}
}

func (b *Broker) reportStats(ctx context.Context, prev map[string]int64) map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	cur := b.stats.Snapshot()
	b.log.Info().
		Int("peers", b.registry.Len()).
		Int("goroutines", runtime.NumGoroutine()).
		Float64("mem_mb", float64(m.Alloc)/1024/1024).
		Int64(StatChatEvents, cur[StatChatEvents]).
		Int64(StatFramesSent, cur[StatFramesSent]).
		Int64(StatPeersEvicted, cur[StatPeersEvicted]).
		Int64(StatPostsOK, cur[StatPostsOK]).
		Int64(StatPostsFailed, cur[StatPostsFailed]).
		Int64(StatRateLimited, cur[StatRateLimited]).
		Int64(StatRateWarnings, cur[StatRateWarnings]).
		Msg("📊 [监控]")

	if b.mirror == nil {
		return cur
	}

	delta := diffCounters(cur, prev)
	if len(delta) == 0 {
		return cur
	}

	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := b.mirror.IncrCounters(mctx, delta); err != nil {
		b.log.Warn().Err(err).Msg("同步计数到 Redis 失败")
		// 下次连同本次增量一起重试
		return prev
	}
	return cur
}
