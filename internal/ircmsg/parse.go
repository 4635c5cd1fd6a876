package ircmsg

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrEmptyMessage     = errors.New("empty message")
	ErrMissingCommand   = errors.New("missing command")
	ErrMalformedCommand = errors.New("malformed command")
)

// ParseError describes a frame that does not follow the message grammar.
type ParseError struct {
	Err    error  // one of the sentinel errors above
	Offset int    // byte offset where parsing failed
	Frame  string // the offending frame
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message at offset %d: %v: %q", e.Offset, e.Err, e.Frame)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse decodes one frame (delimiter already stripped) into a Message.
//
// Grammar, RFC 1459 section 2.3.1:
//
//	message  = [ ":" prefix SPACE ] command params
//	command  = 1*letter / 3digit
//	params   = *( SPACE middle ) [ SPACE ":" trailing ]
//
// Parse is pure: the same input always yields the same result.
func Parse(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, &ParseError{Err: ErrEmptyMessage}
	}

	msg := &Message{}
	pos := 0
	n := len(frame)

	if frame[0] == ':' {
		end := indexSpace(frame, 1)
		if end < 0 {
			return nil, &ParseError{Err: ErrMissingCommand, Offset: n, Frame: string(frame)}
		}
		msg.Prefix = string(frame[1:end])
		pos = skipSpaces(frame, end)
	} else {
		pos = skipSpaces(frame, 0)
	}

	if pos >= n {
		return nil, &ParseError{Err: ErrMissingCommand, Offset: pos, Frame: string(frame)}
	}

	start := pos
	switch {
	case isLetter(frame[pos]):
		for pos < n && isLetter(frame[pos]) {
			pos++
		}
	case isDigit(frame[pos]):
		for pos < n && pos-start < 3 && isDigit(frame[pos]) {
			pos++
		}
		if pos-start != 3 {
			return nil, &ParseError{Err: ErrMalformedCommand, Offset: pos, Frame: string(frame)}
		}
	default:
		return nil, &ParseError{Err: ErrMissingCommand, Offset: pos, Frame: string(frame)}
	}
	if pos < n && frame[pos] != ' ' {
		return nil, &ParseError{Err: ErrMalformedCommand, Offset: pos, Frame: string(frame)}
	}
	msg.Command = string(frame[start:pos])

	for {
		pos = skipSpaces(frame, pos)
		if pos >= n {
			break
		}
		if frame[pos] == ':' {
			msg.Params = append(msg.Params, string(frame[pos+1:]))
			msg.HasTrailing = true
			break
		}
		end := indexSpace(frame, pos)
		if end < 0 {
			end = n
		}
		msg.Params = append(msg.Params, string(frame[pos:end]))
		pos = end
	}

	return msg, nil
}

// ParseString is Parse for string input.
func ParseString(s string) (*Message, error) {
	return Parse([]byte(s))
}

func indexSpace(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == ' ' {
			return i
		}
	}
	return -1
}

func skipSpaces(b []byte, from int) int {
	for from < len(b) && b[from] == ' ' {
		from++
	}
	return from
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
