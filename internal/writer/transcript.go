package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/ircrelay/internal/ircmsg"
	"github.com/rickgao/ircrelay/internal/model"
	"github.com/rickgao/ircrelay/internal/router"
)

// flushTimeout bounds a flush started by the consume loop.
const flushTimeout = 10 * time.Second

const insertFrameSQL = `
	INSERT INTO irc_frames (id, session_id, observer_id, direction, seq, received_at, prefix, command, params, raw, parse_error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO NOTHING
`

// TranscriptWriter consumes frame records and writes them to irc_frames.
type TranscriptWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the Router tap
	input *router.GrowableBuffer[model.FrameRecord]

	// Database
	db BatchSender

	// Batching
	batch   []frameRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

type frameRow struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	ObserverID *uuid.UUID
	Direction  string
	Seq        int64
	ReceivedAt int64
	Prefix     string
	Command    string
	Params     []string
	Raw        string
	ParseErr   string
}

// NewTranscriptWriter creates a new TranscriptWriter.
func NewTranscriptWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *TranscriptWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &TranscriptWriter{
		cfg:    cfg,
		input:  router.NewGrowableBuffer[model.FrameRecord](256),
		db:     db,
		logger: logger.With("component", "transcript_writer"),
		batch:  make([]frameRow, 0, cfg.BatchSize),
	}
}

// Record queues rec for archiving. It never blocks; when the queue already
// holds BufferSize records the record is dropped and counted.
func (w *TranscriptWriter) Record(rec model.FrameRecord) {
	if w.input.Len() >= w.cfg.BufferSize || !w.input.Send(rec) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
}

// Start begins consuming records and writing to the database.
func (w *TranscriptWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.logger.Info("transcript writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued records, writes the final batch and returns.
func (w *TranscriptWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping transcript writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("transcript writer stop timed out")
		return ctx.Err()
	}

	w.input.Close()
	for {
		recs := w.input.DrainTo(w.cfg.BatchSize)
		if recs == nil {
			break
		}
		for _, rec := range recs {
			if w.add(rec) {
				w.flush(ctx)
			}
		}
	}
	w.flush(ctx)

	w.logger.Info("transcript writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *TranscriptWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop waits for queued records and accumulates batches, flushing
// partial batches every FlushInterval.
func (w *TranscriptWriter) consumeLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushDetached()
		case <-w.input.Ready():
			for {
				recs := w.input.DrainTo(w.cfg.BatchSize)
				if recs == nil {
					break
				}
				for _, rec := range recs {
					if w.add(rec) {
						w.flushDetached()
					}
				}
			}
		}
	}
}

// add transforms rec and appends it to the batch. It reports whether the
// batch is full.
func (w *TranscriptWriter) add(rec model.FrameRecord) bool {
	row := transform(rec)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// flushDetached flushes without the consumer's cancellation, so a batch
// already taken when Stop or the parent context cancels is still written.
func (w *TranscriptWriter) flushDetached() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), flushTimeout)
	defer cancel()
	w.flush(ctx)
}

// transform converts a FrameRecord to a frameRow. Text columns are always
// valid UTF-8.
func transform(rec model.FrameRecord) frameRow {
	row := frameRow{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Direction:  string(rec.Direction),
		Seq:        rec.Seq,
		ReceivedAt: rec.ReceivedAt,
		Prefix:     ircmsg.DecodeTextString(rec.Prefix),
		Command:    rec.Command,
		Params:     make([]string, len(rec.Params)),
		Raw:        ircmsg.DecodeText(rec.Raw),
		ParseErr:   rec.ParseErr,
	}
	if rec.ObserverID != uuid.Nil {
		id := rec.ObserverID
		row.ObserverID = &id
	}
	for i, p := range rec.Params {
		row.Params[i] = ircmsg.DecodeTextString(p)
	}
	return row
}

// flush writes the current batch to the database.
func (w *TranscriptWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]frameRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed frames",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *TranscriptWriter) batchInsert(ctx context.Context, rows []frameRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertFrameSQL,
			r.ID, r.SessionID, r.ObserverID, r.Direction, r.Seq, r.ReceivedAt,
			r.Prefix, r.Command, r.Params, r.Raw, r.ParseErr)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
