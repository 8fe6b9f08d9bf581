package ui

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/palemoky/discord-relay/internal/peer"
	"github.com/palemoky/discord-relay/internal/protocol"
)

// 历史记录最多保留的行数
const maxHistory = 500

// RelayClient is the part of peer.Client the model drives.
type RelayClient interface {
	Connect(ctx context.Context) error
	Inbound() <-chan peer.Incoming
	Send(channelID uint64, content string) error
	SendKeepAlive() error
	Close()
	IsConnected() bool
	Identity() []byte
	Acks() int64
}

// PeerModel is the bubbletea model of the relay-peer TUI.
type PeerModel struct {
	client   RelayClient
	endpoint string
	events   chan tea.Msg
	mirror   <-chan protocol.Envelope // 可选，Redis 事件镜像

	connected    bool
	reconnecting bool
	error        string
	notification string

	history  []string
	sent     int
	mirrored int

	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int

	now func() time.Time
}

// NewPeerModel creates a model backed by a ZeroMQ peer client.
func NewPeerModel(endpoint string, keepAlive time.Duration, log zerolog.Logger) *PeerModel {
	events := make(chan tea.Msg, 10)

	c := peer.NewClient(peer.Options{
		Endpoint:  endpoint,
		KeepAlive: keepAlive,
		Logger:    log,
		OnReconnecting: func(attempt, maxTries int) {
			notify(events, ReconnectingMsg{Attempt: attempt, MaxTries: maxTries})
		},
		OnReconnect: func() { notify(events, ReconnectSuccessMsg{}) },
		OnClose:     func() { notify(events, ClosedMsg{}) },
	})
	return newPeerModel(c, endpoint, events)
}

func newPeerModel(c RelayClient, endpoint string, events chan tea.Msg) *PeerModel {
	ti := textinput.New()
	ti.Placeholder = "<频道ID> <内容>，/ka 心跳，/quit 退出"
	ti.CharLimit = 2000
	ti.Width = 60
	ti.Focus()

	return &PeerModel{
		client:   c,
		endpoint: endpoint,
		events:   events,
		input:    ti,
		viewport: viewport.New(80, 15),
		now:      time.Now,
	}
}

// WithMirror shows events from the relay's Redis mirror next to the socket feed.
func (m *PeerModel) WithMirror(feed <-chan protocol.Envelope) *PeerModel {
	m.mirror = feed
	return m
}

func notify(events chan tea.Msg, msg tea.Msg) {
	select {
	case events <- msg:
	default:
	}
}

func (m *PeerModel) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.connect(),
		textinput.Blink,
		m.listenForEvents(),
	}
	if m.mirror != nil {
		cmds = append(cmds, m.listenForMirror())
	}
	return tea.Batch(cmds...)
}

func (m *PeerModel) connect() tea.Cmd {
	return func() tea.Msg {
		if err := m.client.Connect(context.Background()); err != nil {
			return ConnectionErrorMsg{Err: err}
		}
		return ConnectedMsg{}
	}
}

func (m *PeerModel) listenForEvents() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

func (m *PeerModel) listenForMessages() tea.Cmd {
	return func() tea.Msg {
		return IncomingMsg{In: <-m.client.Inbound()}
	}
}

func (m *PeerModel) listenForMirror() tea.Cmd {
	return func() tea.Msg {
		env, ok := <-m.mirror
		if !ok {
			return MirrorClosedMsg{}
		}
		return MirrorMsg{Envelope: env}
	}
}

// Update handles tea messages.
func (m *PeerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(msg.Width-6, 20)
		m.viewport.Height = max(msg.Height-12, 3)
		m.refresh()

	case ConnectedMsg:
		m.connected = true
		m.error = ""
		m.appendLine(DimStyle.Render(fmt.Sprintf("已连接 %s (zmq:%s)", m.endpoint, hex.EncodeToString(m.client.Identity()))))
		cmds = append(cmds, m.listenForMessages())

	case ConnectionErrorMsg:
		m.error = fmt.Sprintf("无法连接到中继: %v\n\n按 ESC 退出", msg.Err)

	case IncomingMsg:
		m.appendLine(FormatIncoming(msg.In, m.now()))
		cmds = append(cmds, m.listenForMessages())

	case MirrorMsg:
		m.mirrored++
		m.appendLine(FormatMirror(msg.Envelope, m.now()))
		cmds = append(cmds, m.listenForMirror())

	case MirrorClosedMsg:
		m.mirror = nil
		m.appendLine(DimStyle.Render("Redis 镜像已断开"))

	case ReconnectingMsg:
		m.reconnecting = true
		m.notification = fmt.Sprintf("🔄 正在重连 (%d/%d)...", msg.Attempt, msg.MaxTries)
		cmds = append(cmds, m.listenForEvents())

	case ReconnectSuccessMsg:
		m.reconnecting = false
		m.notification = "✅ 重连成功！"
		cmds = append(cmds, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return ClearNotificationMsg{}
		}))
		cmds = append(cmds, m.listenForEvents())

	case ClosedMsg:
		m.connected = false
		m.reconnecting = false
		m.notification = ""
		m.error = "连接已断开，重连失败\n\n按 ESC 退出"

	case ClearNotificationMsg:
		m.notification = ""

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.client.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			return m, m.submit()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submit handles the current input line.
func (m *PeerModel) submit() tea.Cmd {
	line := m.input.Value()
	m.input.Reset()

	cmd, err := ParseCommand(line)
	if err != nil {
		m.error = err.Error()
		return nil
	}
	m.error = ""

	switch cmd.Kind {
	case CmdQuit:
		m.client.Close()
		return tea.Quit
	case CmdClear:
		m.history = nil
		m.refresh()
	case CmdKeepAlive:
		if err := m.client.SendKeepAlive(); err != nil {
			m.error = err.Error()
			return nil
		}
		m.appendLine(DimStyle.Render("→ KeepAlive"))
	case CmdSend:
		if err := m.client.Send(cmd.ChannelID, cmd.Content); err != nil {
			m.error = err.Error()
			return nil
		}
		m.sent++
		m.appendLine(OutStyle.Render(fmt.Sprintf("→ #%d %s", cmd.ChannelID, cmd.Content)))
	}
	return nil
}

func (m *PeerModel) appendLine(line string) {
	m.history = append(m.history, line)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.refresh()
}

func (m *PeerModel) refresh() {
	m.viewport.SetContent(joinLines(m.history))
	m.viewport.GotoBottom()
}

// History returns the rendered message log.
func (m *PeerModel) History() []string { return m.history }

// Error returns the current error message.
func (m *PeerModel) Error() string { return m.error }

// Notification returns the current notification.
func (m *PeerModel) Notification() string { return m.notification }
