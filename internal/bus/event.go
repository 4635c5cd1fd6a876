package bus

import (
	"strings"

	"github.com/google/uuid"

	"github.com/rickgao/ircrelay/internal/ircmsg"
	"github.com/rickgao/ircrelay/internal/model"
)

// Event is the JSON payload published for one frame.
type Event struct {
	ID         uuid.UUID  `json:"id"`
	SessionID  uuid.UUID  `json:"session_id"`
	ObserverID *uuid.UUID `json:"observer_id,omitempty"`
	Direction  string     `json:"direction"`
	Seq        int64      `json:"seq"`
	ReceivedAt int64      `json:"received_at"` // µs since epoch
	Prefix     string     `json:"prefix,omitempty"`
	Command    string     `json:"command,omitempty"`
	Params     []string   `json:"params,omitempty"`
	Raw        string     `json:"raw"`
	ParseError string     `json:"parse_error,omitempty"`
}

// NewEvent converts a frame record. Text fields are valid UTF-8.
func NewEvent(rec model.FrameRecord) Event {
	ev := Event{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Direction:  string(rec.Direction),
		Seq:        rec.Seq,
		ReceivedAt: rec.ReceivedAt,
		Prefix:     ircmsg.DecodeTextString(rec.Prefix),
		Command:    rec.Command,
		Raw:        ircmsg.DecodeText(rec.Raw),
		ParseError: rec.ParseErr,
	}
	if rec.ObserverID != uuid.Nil {
		id := rec.ObserverID
		ev.ObserverID = &id
	}
	if len(rec.Params) > 0 {
		ev.Params = make([]string, len(rec.Params))
		for i, p := range rec.Params {
			ev.Params[i] = ircmsg.DecodeTextString(p)
		}
	}
	return ev
}

// Subjects returns the subjects a record is published on.
func Subjects(prefix string, rec model.FrameRecord) []string {
	all := prefix + ".all"
	if !rec.Decoded() {
		return []string{all}
	}
	return []string{prefix + "." + subjectToken(rec.Command), all}
}

// subjectToken lower-cases a command and replaces characters NATS reserves.
func subjectToken(cmd string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, cmd)
}
