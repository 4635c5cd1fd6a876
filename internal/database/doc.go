// Package database manages the PostgreSQL pool used by the transcript archive.
//
// The archive is a single append-only table, irc_frames, keyed by a per-frame
// UUID and indexed by (session_id, seq). EnsureSchema creates it on startup.
package database
