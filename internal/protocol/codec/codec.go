package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/palemoky/discord-relay/internal/protocol"
)

// wireMessage Message 变体的线上形式：{"Message":{...}}
type wireMessage struct {
	Message protocol.RelayMessage `json:"Message"`
}

// objectField JSON 对象的一个成员，按出现顺序保留（重复键不会被合并）
type objectField struct {
	key string
	raw json.RawMessage
}

// Encode 将信封编码为 UTF-8 JSON
func Encode(env protocol.Envelope) ([]byte, error) {
	switch env.Kind {
	case protocol.KindKeepAlive:
		return []byte(`"` + string(protocol.KindKeepAlive) + `"`), nil
	case protocol.KindMessage:
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownVariant, env.Kind)
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wireMessage{Message: env.Message}); err != nil {
		return nil, fmt.Errorf("编码消息失败: %w", err)
	}

	// Encoder 会追加换行，去掉后拷贝出来（buf 要还回池里）
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// MustEncode 编码失败时 panic，仅用于常量信封
func MustEncode(env protocol.Envelope) []byte {
	data, err := Encode(env)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode 解码一帧。不做部分解码，也不兼容其他结构。
func Decode(data []byte) (protocol.Envelope, error) {
	if !utf8.Valid(data) {
		return protocol.Envelope{}, protocol.ErrInvalidUTF8
	}
	if !json.Valid(data) {
		return protocol.Envelope{}, protocol.ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return protocol.Envelope{}, protocol.ErrInvalidJSON
	}

	switch trimmed[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(trimmed, &tag); err != nil {
			return protocol.Envelope{}, fmt.Errorf("%w: %v", protocol.ErrInvalidJSON, err)
		}
		if protocol.Kind(tag) != protocol.KindKeepAlive {
			return protocol.Envelope{}, fmt.Errorf("%w: tag %q", protocol.ErrUnknownVariant, tag)
		}
		return protocol.KeepAlive(), nil
	case '{':
		return decodeObject(trimmed)
	default:
		return protocol.Envelope{}, fmt.Errorf("%w: not a string or object", protocol.ErrUnknownVariant)
	}
}

func decodeObject(data []byte) (protocol.Envelope, error) {
	fields, err := readObject(data)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", protocol.ErrInvalidJSON, err)
	}
	if len(fields) != 1 {
		return protocol.Envelope{}, fmt.Errorf("%w: expected exactly one tag, got %d", protocol.ErrUnknownVariant, len(fields))
	}

	tag, raw := fields[0].key, fields[0].raw
	switch protocol.Kind(tag) {
	case protocol.KindKeepAlive:
		// {"KeepAlive":null} 同样视为心跳
		if !isNull(raw) {
			return protocol.Envelope{}, fmt.Errorf("%w: KeepAlive carries no payload", protocol.ErrUnknownVariant)
		}
		return protocol.KeepAlive(), nil
	case protocol.KindMessage:
		return decodeRelayMessage(raw)
	default:
		return protocol.Envelope{}, fmt.Errorf("%w: tag %q", protocol.ErrUnknownVariant, tag)
	}
}

// decodeRelayMessage 键名区分大小写，channel_id/content 必填且不可重复，其他键忽略
func decodeRelayMessage(raw json.RawMessage) (protocol.Envelope, error) {
	fields, err := readObject(raw)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: Message payload: %v", protocol.ErrUnknownVariant, err)
	}

	var (
		channelID           uint64
		content             string
		hasChannel, hasText bool
	)
	for _, f := range fields {
		switch f.key {
		case "channel_id":
			if hasChannel {
				return protocol.Envelope{}, fmt.Errorf("%w: duplicate field channel_id", protocol.ErrUnknownVariant)
			}
			if isNull(f.raw) {
				return protocol.Envelope{}, fmt.Errorf("%w: channel_id is null", protocol.ErrUnknownVariant)
			}
			if err := json.Unmarshal(f.raw, &channelID); err != nil {
				return protocol.Envelope{}, fmt.Errorf("%w: channel_id: %v", protocol.ErrUnknownVariant, err)
			}
			hasChannel = true
		case "content":
			if hasText {
				return protocol.Envelope{}, fmt.Errorf("%w: duplicate field content", protocol.ErrUnknownVariant)
			}
			if isNull(f.raw) {
				return protocol.Envelope{}, fmt.Errorf("%w: content is null", protocol.ErrUnknownVariant)
			}
			if err := json.Unmarshal(f.raw, &content); err != nil {
				return protocol.Envelope{}, fmt.Errorf("%w: content: %v", protocol.ErrUnknownVariant, err)
			}
			hasText = true
		}
	}

	if !hasChannel || !hasText {
		return protocol.Envelope{}, fmt.Errorf("%w: Message requires channel_id and content", protocol.ErrUnknownVariant)
	}
	return protocol.NewMessage(channelID, content), nil
}

// readObject 按顺序读出对象的所有成员；data 必须是合法 JSON
func readObject(data []byte) ([]objectField, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var fields []objectField
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		fields = append(fields, objectField{key: key, raw: raw})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
