package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rickgao/ircrelay/internal/ircmsg"
)

type printer struct {
	out    io.Writer
	raw    bool
	filter map[string]bool // upper-case commands; nil shows everything
	now    func() time.Time
}

func parseFilter(s string) map[string]bool {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			filter[strings.ToUpper(c)] = true
		}
	}
	return filter
}

func (p *printer) print(frame []byte) {
	msg, err := ircmsg.Parse(frame)
	if p.filter != nil && (err != nil || !p.filter[strings.ToUpper(msg.Command)]) {
		return
	}

	ts := p.now().Format("15:04:05")
	text := ircmsg.DecodeText(frame)
	if p.raw || err != nil {
		fmt.Fprintf(p.out, "%s %s\n", ts, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", ts, format(msg))
}

// format renders a message for reading: who, what, and the rest.
func format(m *ircmsg.Message) string {
	from := m.Nick()
	if from == "" {
		from = "-"
	}

	switch m.Command {
	case ircmsg.CmdPrivmsg:
		return fmt.Sprintf("%s <%s> %s", m.Param(0), from, ircmsg.DecodeTextString(m.Trailing()))
	case ircmsg.CmdNotice:
		return fmt.Sprintf("%s -%s- %s", m.Param(0), from, ircmsg.DecodeTextString(m.Trailing()))
	}

	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = ircmsg.DecodeTextString(p)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", from, m.Command, strings.Join(params, " ")))
}
