package ircmsg

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DecodeText returns b as a UTF-8 string. IRC carries no charset, so bytes
// that are not valid UTF-8 are read as ISO-8859-1, which maps every byte.
// NUL is replaced with U+FFFD.
func DecodeText(b []byte) string {
	var s string
	if utf8.Valid(b) {
		s = string(b)
	} else {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
		if err != nil {
			s = strings.ToValidUTF8(string(b), "�")
		} else {
			s = string(decoded)
		}
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "�")
	}
	return s
}

// DecodeTextString is DecodeText for values already held as strings.
func DecodeTextString(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}
	return DecodeText([]byte(s))
}
