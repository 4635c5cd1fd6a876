// Package framer implements delimiter framing over a byte stream.
//
// Inbound bytes arrive in arbitrary chunks; the Framer turns them into
// complete CRLF-terminated lines that are pulled one at a time with Next.
// Outbound bytes are queued and drained with tolerance for partial sends, so
// a slow peer never causes bytes to be lost, duplicated or interleaved.
package framer
