package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// WriterConfig holds batching parameters.
type WriterConfig struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits in a partial batch
	BufferSize    int           // Max queued records before Record drops
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64 // Records refused because the queue was full
}

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}
