// Package bus mirrors relayed upstream frames onto NATS.
//
// Each frame is published as a JSON Event on two subjects:
//
//	<prefix>.<command>   e.g. irc.privmsg, irc.001
//	<prefix>.all
//
// Frames that failed to parse go to <prefix>.all only. Mirror is a
// router.Tap; publishing happens on its own goroutine.
package bus
