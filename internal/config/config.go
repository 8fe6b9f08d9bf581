package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/palemoky/discord-relay/internal/apperrors"
)

// 默认值
const (
	defaultBind            = "tcp://0.0.0.0:32968"
	defaultMonitorInterval = 30 // 秒
	defaultPeerTimeout     = 30 // 秒，节点心跳间隔的 3 倍
	defaultRedisChannel    = "relay:events"
	defaultRedisStatsKey   = "relay:stats"
	defaultLogLevel        = "info"
	defaultLogFormat       = "console"
)

// Config 中继配置
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Discord   DiscordConfig   `yaml:"discord"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// RelayConfig 中继核心配置
type RelayConfig struct {
	Bind            string `yaml:"bind"`              // ZeroMQ 绑定地址
	MaxPeers        int    `yaml:"max_peers"`         // 注册表上限，0 不限
	ReplyOK         bool   `yaml:"reply_ok"`          // 转发成功后回复 "OK"
	SkipOwnMessages bool   `yaml:"skip_own_messages"` // 不广播机器人自己的消息
	PeerTimeout     int    `yaml:"peer_timeout"`      // ZeroMQ 节点静默多久（秒）视为断开
	// 状态输出间隔（秒），0 关闭；未设置时使用默认值
	MonitorInterval *int `yaml:"monitor_interval"`
}

// MonitorIntervalDuration 返回状态输出间隔，0 表示关闭
func (c *RelayConfig) MonitorIntervalDuration() time.Duration {
	if c.MonitorInterval == nil {
		return defaultMonitorInterval * time.Second
	}
	return time.Duration(*c.MonitorInterval) * time.Second
}

// PeerTimeoutDuration 返回节点存活超时
func (c *RelayConfig) PeerTimeoutDuration() time.Duration {
	return time.Duration(c.PeerTimeout) * time.Second
}

// DiscordConfig Discord 配置，token 一般通过 DISCORD_TOKEN 提供
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// WebSocketConfig WebSocket 网关配置
type WebSocketConfig struct {
	Addr           string   `yaml:"addr"` // 为空则不启用
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Enabled 是否启用 WebSocket 网关
func (c *WebSocketConfig) Enabled() bool { return c.Addr != "" }

// RedisConfig Redis 旁路配置
type RedisConfig struct {
	Addr     string `yaml:"addr"` // 为空则不启用
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`   // 聊天事件发布频道
	StatsKey string `yaml:"stats_key"` // 计数 hash
}

// Enabled 是否启用 Redis
func (c *RedisConfig) Enabled() bool { return c.Addr != "" }

// RateLimitConfig 节点指令限流
type RateLimitConfig struct {
	MaxPerSecond int `yaml:"max_per_second"` // 0 不限
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load 加载配置文件，并用环境变量覆盖
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.ApplyEnv()
	return &cfg, nil
}

// LoadOrDefault 配置文件不存在时使用默认配置；文件存在但无效时返回错误
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		cfg.ApplyEnv()
		return cfg, nil
	}
	return cfg, err
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Relay.Bind == "" {
		c.Relay.Bind = defaultBind
	}
	if c.Relay.MonitorInterval == nil {
		interval := defaultMonitorInterval
		c.Relay.MonitorInterval = &interval
	}
	if c.Relay.PeerTimeout == 0 {
		c.Relay.PeerTimeout = defaultPeerTimeout
	}
	if len(c.WebSocket.AllowedOrigins) == 0 {
		c.WebSocket.AllowedOrigins = []string{"*"}
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = defaultRedisChannel
	}
	if c.Redis.StatsKey == "" {
		c.Redis.StatsKey = defaultRedisStatsKey
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

// ApplyEnv 用环境变量覆盖配置
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("RELAY_BIND"); v != "" {
		c.Relay.Bind = v
	}
	if v := os.Getenv("RELAY_WS_ADDR"); v != "" {
		c.WebSocket.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RELAY_MAX_PEERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Relay.MaxPeers = n
		}
	}
	if v := os.Getenv("RELAY_REPLY_OK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Relay.ReplyOK = b
		}
	}
	if v := os.Getenv("RELAY_WS_ALLOWED_ORIGINS"); v != "" {
		c.WebSocket.AllowedOrigins = splitList(v)
	}
}

// Validate 检查启动必需项
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Discord.Token) == "" {
		return apperrors.ErrMissingToken
	}
	if c.Relay.Bind == "" {
		return errors.New("relay.bind 不能为空")
	}
	if c.Relay.MaxPeers < 0 {
		return fmt.Errorf("relay.max_peers 不能为负数: %d", c.Relay.MaxPeers)
	}
	if c.Relay.PeerTimeout < 0 {
		return fmt.Errorf("relay.peer_timeout 不能为负数: %d", c.Relay.PeerTimeout)
	}
	if c.Relay.MonitorInterval != nil && *c.Relay.MonitorInterval < 0 {
		return fmt.Errorf("relay.monitor_interval 不能为负数: %d", *c.Relay.MonitorInterval)
	}
	if c.RateLimit.MaxPerSecond < 0 {
		return fmt.Errorf("rate_limit.max_per_second 不能为负数: %d", c.RateLimit.MaxPerSecond)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
