// Package chat 定义中继看到的聊天平台：入站事件与出站发送
package chat

import "context"

// Event 网关推送的一条聊天消息
type Event struct {
	ChannelID uint64
	Content   string
	AuthorID  string
	FromSelf  bool // 机器人自己发出的消息
}

// Poster 向指定频道发送消息
type Poster interface {
	Post(ctx context.Context, channelID uint64, content string) error
}

// Handler 入站消息处理函数
type Handler func(ctx context.Context, ev Event)
