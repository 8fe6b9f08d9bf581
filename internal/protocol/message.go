package protocol

// Kind 信封类型（线上判别标签，必须保持稳定）
type Kind string

const (
	KindMessage   Kind = "Message"   // 聊天消息
	KindKeepAlive Kind = "KeepAlive" // 心跳/注册
)

// RelayMessage 一条聊天消息或发送指令
type RelayMessage struct {
	ChannelID uint64 `json:"channel_id"`
	Content   string `json:"content"`
}

// Envelope 套在每个 socket 帧外面的标签联合
//
// Kind 为 KindMessage 时 Message 有效；KindKeepAlive 时 Message 为零值。
type Envelope struct {
	Kind    Kind
	Message RelayMessage
}

// NewMessage 创建聊天消息信封
func NewMessage(channelID uint64, content string) Envelope {
	return Envelope{
		Kind:    KindMessage,
		Message: RelayMessage{ChannelID: channelID, Content: content},
	}
}

// KeepAlive 创建心跳信封
func KeepAlive() Envelope {
	return Envelope{Kind: KindKeepAlive}
}

// IsMessage 是否为聊天消息
func (e Envelope) IsMessage() bool { return e.Kind == KindMessage }

// IsKeepAlive 是否为心跳
func (e Envelope) IsKeepAlive() bool { return e.Kind == KindKeepAlive }

// AckFrame 发送成功后回给节点的确认帧（仅在开启 reply_ok 时使用）
var AckFrame = []byte(`"OK"`)
