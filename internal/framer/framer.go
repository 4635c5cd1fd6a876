package framer

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// DefaultDelimiter is the IRC line terminator.
var DefaultDelimiter = []byte("\r\n")

// Errors
var (
	ErrFrameTooLong = errors.New("frame exceeds maximum size")
	ErrNoWriter     = errors.New("framer has no writer")
)

// DrainStatus reports the outcome of a Drain call.
type DrainStatus int

const (
	// DrainComplete means the pending-write buffer is empty.
	DrainComplete DrainStatus = iota
	// DrainPending means bytes remain; call Drain again later.
	DrainPending
	// DrainError means the transport failed; the connection is unusable.
	DrainError
)

func (s DrainStatus) String() string {
	switch s {
	case DrainComplete:
		return "complete"
	case DrainPending:
		return "pending"
	case DrainError:
		return "error"
	default:
		return "unknown"
	}
}

// deadliner is implemented by net.Conn and anything else that can bound a write.
type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Framer buffers one connection's byte stream in both directions.
//
// Inbound, arbitrary chunks are accumulated until a delimiter completes a
// frame; completed frames are queued and pulled with Next. Outbound, bytes are
// queued with EnqueueWrite and pushed with Drain, which tolerates partial
// sends.
//
// A Framer is owned by exactly one goroutine and is not safe for concurrent use.
type Framer struct {
	w            io.Writer
	delim        []byte
	maxFrame     int
	writeTimeout time.Duration

	rbuf   []byte   // unterminated remainder
	frames [][]byte // completed frames not yet pulled
	head   int

	wbuf []byte
}

// Option configures a Framer.
type Option func(*Framer)

// WithDelimiter sets the frame delimiter. The slice is copied.
func WithDelimiter(d []byte) Option {
	return func(f *Framer) {
		if len(d) > 0 {
			f.delim = append([]byte(nil), d...)
		}
	}
}

// WithMaxFrameSize bounds the unterminated remainder. Zero disables the limit.
func WithMaxFrameSize(n int) Option {
	return func(f *Framer) {
		f.maxFrame = n
	}
}

// WithWriteTimeout bounds each Drain call when the writer supports
// SetWriteDeadline. Zero means Drain blocks until the write returns.
func WithWriteTimeout(d time.Duration) Option {
	return func(f *Framer) {
		f.writeTimeout = d
	}
}

// New creates a Framer bound to w. The Framer borrows w and never closes it.
func New(w io.Writer, opts ...Option) *Framer {
	f := &Framer{
		w:     w,
		delim: DefaultDelimiter,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Append adds a chunk read from the stream and extracts every frame it
// completes. It returns the number of frames completed by this call.
//
// An empty frame (two adjacent delimiters) is delivered as-is. If the
// remaining unterminated bytes exceed the maximum frame size, Append still
// queues the frames it completed and returns ErrFrameTooLong.
func (f *Framer) Append(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// A delimiter may straddle the previous remainder and p, so resume the
	// scan just before the old end.
	start := len(f.rbuf) - len(f.delim) + 1
	if start < 0 {
		start = 0
	}
	f.rbuf = append(f.rbuf, p...)

	n := 0
	consumed := 0
	for {
		i := bytes.Index(f.rbuf[start:], f.delim)
		if i < 0 {
			break
		}
		end := start + i
		frame := make([]byte, end-consumed)
		copy(frame, f.rbuf[consumed:end])
		f.frames = append(f.frames, frame)
		n++
		consumed = end + len(f.delim)
		start = consumed
	}

	if consumed > 0 {
		rest := copy(f.rbuf, f.rbuf[consumed:])
		f.rbuf = f.rbuf[:rest]
	}

	if f.maxFrame > 0 && len(f.rbuf) > f.maxFrame {
		return n, ErrFrameTooLong
	}
	return n, nil
}

// Next pulls the oldest completed frame. The caller owns the returned slice.
func (f *Framer) Next() ([]byte, bool) {
	if f.head >= len(f.frames) {
		return nil, false
	}
	frame := f.frames[f.head]
	f.frames[f.head] = nil
	f.head++
	if f.head == len(f.frames) {
		f.frames = f.frames[:0]
		f.head = 0
	}
	return frame, true
}

// Pending returns the number of completed frames not yet pulled.
func (f *Framer) Pending() int {
	return len(f.frames) - f.head
}

// Buffered returns the number of unterminated bytes retained.
func (f *Framer) Buffered() int {
	return len(f.rbuf)
}

// EnqueueWrite appends p to the pending-write buffer. p is copied.
func (f *Framer) EnqueueWrite(p []byte) {
	f.wbuf = append(f.wbuf, p...)
}

// EnqueueFrame appends p followed by the delimiter.
func (f *Framer) EnqueueFrame(p []byte) {
	f.wbuf = append(f.wbuf, p...)
	f.wbuf = append(f.wbuf, f.delim...)
}

// PendingWrite returns the number of bytes awaiting Drain.
func (f *Framer) PendingWrite() int {
	return len(f.wbuf)
}

// Drain writes as much of the pending-write buffer as the transport accepts
// and trims exactly the accepted prefix.
//
// A write deadline expiring after partial progress is not an error: the
// remainder stays queued and DrainPending is returned.
func (f *Framer) Drain() (DrainStatus, error) {
	if len(f.wbuf) == 0 {
		return DrainComplete, nil
	}
	if f.w == nil {
		return DrainError, ErrNoWriter
	}

	if d, ok := f.w.(deadliner); ok && f.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
			return DrainError, err
		}
	}

	n, err := f.w.Write(f.wbuf)
	if n > 0 {
		rest := copy(f.wbuf, f.wbuf[n:])
		f.wbuf = f.wbuf[:rest]
	}

	if err != nil {
		if isTimeout(err) {
			return DrainPending, nil
		}
		return DrainError, err
	}
	if len(f.wbuf) > 0 {
		return DrainPending, nil
	}
	return DrainComplete, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
