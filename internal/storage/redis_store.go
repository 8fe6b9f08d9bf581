package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/palemoky/discord-relay/internal/protocol"
	"github.com/palemoky/discord-relay/internal/protocol/codec"
)

// 订阅端缓冲，消费过慢时 go-redis 会丢弃多出的消息
const eventBufferSize = 100

// RedisStore Redis 旁路：发布聊天事件、累计中继计数。不保存消息本身。
type RedisStore struct {
	client   *redis.Client
	channel  string
	statsKey string
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(client *redis.Client, channel, statsKey string) *RedisStore {
	return &RedisStore{client: client, channel: channel, statsKey: statsKey}
}

// Ping 检查连接
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis 连接失败: %w", err)
	}
	return nil
}

// --- 事件发布 ---

// PublishEvent 把编码后的信封发布到事件频道
func (rs *RedisStore) PublishEvent(ctx context.Context, data []byte) error {
	return rs.client.Publish(ctx, rs.channel, data).Err()
}

// Subscribe 订阅事件频道，调用方负责关闭
func (rs *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return rs.client.Subscribe(ctx, rs.channel)
}

// StreamEvents 订阅事件频道并解码每条事件，无法解码的负载记录后跳过。
// 订阅确认后才返回；ctx 结束时关闭订阅与返回的 channel。
func (rs *RedisStore) StreamEvents(ctx context.Context, log zerolog.Logger) (<-chan protocol.Envelope, error) {
	sub := rs.Subscribe(ctx)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("订阅 %s 失败: %w", rs.channel, err)
	}

	out := make(chan protocol.Envelope, eventBufferSize)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel(redis.WithChannelSize(eventBufferSize))
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				env, err := codec.Decode([]byte(msg.Payload))
				if err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("事件解析错误")
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// --- 计数 ---

// IncrCounters 在一个 pipeline 中累加多个计数
func (rs *RedisStore) IncrCounters(ctx context.Context, delta map[string]int64) error {
	if len(delta) == 0 {
		return nil
	}

	pipe := rs.client.TxPipeline()
	for field, n := range delta {
		pipe.HIncrBy(ctx, rs.statsKey, field, n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("累加计数失败: %w", err)
	}
	return nil
}

// Counters 读取所有计数
func (rs *RedisStore) Counters(ctx context.Context) (map[string]int64, error) {
	raw, err := rs.client.HGetAll(ctx, rs.statsKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("计数 %s 不是整数: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

// Close 关闭连接
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
