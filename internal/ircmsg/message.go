package ircmsg

import (
	"strings"
)

// Message is one decoded IRC protocol line.
type Message struct {
	// Prefix is the origin without the leading ':' (empty if absent).
	Prefix string

	// Command is a run of letters or a three-digit numeric reply.
	Command string

	// Params holds middle params followed by the optional trailing param.
	Params []string

	// HasTrailing reports that the last param was (or should be) written
	// after a ':' marker.
	HasTrailing bool
}

// Param returns the i-th param, or "" if there is none.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Trailing returns the last param, or "" if there are none.
func (m *Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// IsNumeric reports whether the command is a three-digit reply code.
func (m *Message) IsNumeric() bool {
	return len(m.Command) == 3 && isDigit(m.Command[0]) && isDigit(m.Command[1]) && isDigit(m.Command[2])
}

// Nick returns the nickname portion of a nick!user@host prefix.
func (m *Message) Nick() string {
	if i := strings.IndexAny(m.Prefix, "!@"); i >= 0 {
		return m.Prefix[:i]
	}
	return m.Prefix
}

// Encode renders the message in wire form without the line delimiter.
func (m *Message) Encode() []byte {
	var b strings.Builder
	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)

	for i, p := range m.Params {
		b.WriteByte(' ')
		if i == len(m.Params)-1 && (m.HasTrailing || needsTrailing(p)) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return []byte(b.String())
}

func (m *Message) String() string {
	return string(m.Encode())
}

func needsTrailing(p string) bool {
	return p == "" || strings.IndexByte(p, ' ') >= 0 || p[0] == ':'
}

// Command names the relay reacts to or emits.
const (
	CmdPing    = "PING"
	CmdPong    = "PONG"
	CmdNotice  = "NOTICE"
	CmdNick    = "NICK"
	CmdUser    = "USER"
	CmdMode    = "MODE"
	CmdPass    = "PASS"
	CmdError   = "ERROR"
	CmdPrivmsg = "PRIVMSG"
	CmdQuit    = "QUIT"

	RplWelcome       = "001"
	ErrNicknameInUse = "433"
)

// Pong builds the keepalive reply echoing token.
func Pong(token string) *Message {
	if token == "" {
		return &Message{Command: CmdPong}
	}
	return &Message{Command: CmdPong, Params: []string{token}, HasTrailing: true}
}

// Nick builds a nickname assignment.
func Nick(nick string) *Message {
	return &Message{Command: CmdNick, Params: []string{nick}}
}

// User builds the user registration message. The real name is always sent
// as the trailing param.
func User(username, hostname, servername, realname string) *Message {
	return &Message{
		Command:     CmdUser,
		Params:      []string{username, hostname, servername, realname},
		HasTrailing: true,
	}
}

// Mode builds a user mode change for nick.
func Mode(nick, modes string) *Message {
	return &Message{Command: CmdMode, Params: []string{nick, modes}}
}

// Pass builds a connection password message.
func Pass(password string) *Message {
	return &Message{Command: CmdPass, Params: []string{password}}
}

// Quit builds a disconnect message with an optional reason.
func Quit(reason string) *Message {
	if reason == "" {
		return &Message{Command: CmdQuit}
	}
	return &Message{Command: CmdQuit, Params: []string{reason}, HasTrailing: true}
}
