package ui

import (
	"errors"
	"strconv"
	"strings"
)

var (
	errEmptyCommand   = errors.New("请输入 <频道ID> <内容>")
	errInvalidChannel = errors.New("频道 ID 必须是数字")
	errEmptyContent   = errors.New("消息内容不能为空")
)

// CommandKind is the kind of a parsed input line.
type CommandKind int

const (
	CmdSend CommandKind = iota
	CmdKeepAlive
	CmdClear
	CmdQuit
)

// Command is a parsed input line.
type Command struct {
	Kind      CommandKind
	ChannelID uint64
	Content   string
}

// ParseCommand parses "<channel_id> <text>" or one of the slash commands.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, errEmptyCommand
	}

	switch strings.ToLower(line) {
	case "/ka", "/keepalive":
		return Command{Kind: CmdKeepAlive}, nil
	case "/clear":
		return Command{Kind: CmdClear}, nil
	case "/q", "/quit":
		return Command{Kind: CmdQuit}, nil
	}

	idPart, content, _ := strings.Cut(line, " ")
	channelID, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return Command{}, errInvalidChannel
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Command{}, errEmptyContent
	}
	// \n 转义为换行，方便测试多行消息
	content = strings.ReplaceAll(content, `\n`, "\n")

	return Command{Kind: CmdSend, ChannelID: channelID, Content: content}, nil
}
