// Package connection provides the relay's transports.
//
// Connector dials the upstream IRC server and reports failures as
// *ConnectorError. UnixListener and WebSocketListener accept local observers
// and satisfy router.Listener:
//   - ListenUnix removes a stale socket file left by an earlier run and
//     refuses to replace anything that is not a socket
//   - WebSocketListener carries one line per text message and closes
//     observers that stop answering pings
package connection
