// Package ircmsg decodes and encodes IRC protocol lines (RFC 1459).
//
// Parse is a pure function from one delimiter-stripped frame to a Message.
// The builders (Pong, Nick, User, Mode, Pass) produce the few messages the
// relay originates itself. DecodeText turns raw line bytes into display text.
package ircmsg
