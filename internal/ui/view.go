package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/palemoky/discord-relay/internal/peer"
	"github.com/palemoky/discord-relay/internal/protocol"
)

// View renders the model.
func (m *PeerModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var sb strings.Builder
	sb.WriteString(TitleStyle("📡 Discord Relay Peer"))
	sb.WriteString("\n")
	sb.WriteString(m.statusLine())
	sb.WriteString("\n")

	if m.notification != "" {
		sb.WriteString(m.notification)
		sb.WriteString("\n")
	}

	sb.WriteString(BoxStyle.Render(m.viewport.View()))
	sb.WriteString("\n")

	if m.error != "" {
		sb.WriteString(ErrorStyle.Render(m.error))
		sb.WriteString("\n")
	}

	sb.WriteString(PromptStyle.Render(m.input.View()))

	return DocStyle.Render(sb.String())
}

func (m *PeerModel) statusLine() string {
	var state string
	switch {
	case m.reconnecting:
		state = "🟡 重连中"
	case m.connected:
		state = "🟢 已连接"
	default:
		state = "🔴 未连接"
	}
	line := fmt.Sprintf("%s  %s  已发送 %d  回执 %d", state, m.endpoint, m.sent, m.client.Acks())
	if m.mirror != nil || m.mirrored > 0 {
		line += fmt.Sprintf("  镜像 %d", m.mirrored)
	}
	return DimStyle.Render(line)
}

// FormatIncoming renders one frame received from the relay.
func FormatIncoming(in peer.Incoming, at time.Time) string {
	ts := DimStyle.Render(at.Format(time.TimeOnly))
	if in.Ack {
		return fmt.Sprintf("%s %s", ts, AckStyle.Render("✓ OK"))
	}

	return fmt.Sprintf("%s %s", ts, formatEnvelope(in.Envelope))
}

// FormatMirror renders one event read from the Redis mirror.
func FormatMirror(env protocol.Envelope, at time.Time) string {
	ts := DimStyle.Render(at.Format(time.TimeOnly))
	return fmt.Sprintf("%s %s %s", ts, MirrorStyle.Render("[redis]"), formatEnvelope(env))
}

func formatEnvelope(env protocol.Envelope) string {
	switch {
	case env.IsMessage():
		msg := env.Message
		return fmt.Sprintf("%s %s", ChannelStyle.Render(fmt.Sprintf("#%d", msg.ChannelID)), msg.Content)
	case env.IsKeepAlive():
		return DimStyle.Render("♥ KeepAlive")
	default:
		return DimStyle.Render(string(env.Kind))
	}
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
