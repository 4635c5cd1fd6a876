// Package writer archives relayed frames to PostgreSQL.
//
// TranscriptWriter is a router.Tap. Record only enqueues; a consumer
// goroutine batches rows and inserts them into irc_frames with pgx.Batch,
// flushing when the batch is full or the flush interval elapses.
//
// The archive is append-only. Rows are keyed by the frame record ID, so
// replaying a batch is harmless (ON CONFLICT DO NOTHING).
package writer
