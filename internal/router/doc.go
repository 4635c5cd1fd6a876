// Package router relays one upstream IRC session to local observers.
//
// A Router owns the upstream connection and every observer connection. A
// single loop goroutine services readiness events posted by per-connection
// reader goroutines, registers with the server, answers keepalives and fans
// every upstream line out to all observers byte for byte.
//
// Usage:
//
//	r := router.New(cfg, upstreamConn, logger)
//	r.AddListener("unix", unixListener)
//	err := r.Run(ctx) // wraps ErrUpstreamClosed when the server goes away
package router
