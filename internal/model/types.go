package model

import (
	"time"

	"github.com/google/uuid"
)

// Direction says which side of the relay a frame came from.
type Direction string

const (
	DirectionUpstream   Direction = "upstream"   // received from the IRC server
	DirectionDownstream Direction = "downstream" // received from a local observer
	DirectionOutbound   Direction = "outbound"   // originated by the relay itself
)

// FrameRecord is one relayed line as seen by taps (archive, bus mirror).
type FrameRecord struct {
	ID         uuid.UUID // Primary key
	SessionID  uuid.UUID // Upstream session this frame belongs to
	ObserverID uuid.UUID // Set for downstream frames, uuid.Nil otherwise
	Direction  Direction
	Seq        int64 // Per-session sequence number, starting at 1
	ReceivedAt int64 // Relay receive timestamp (µs since epoch)

	Raw []byte // Frame bytes, delimiter stripped

	// Decoded fields; empty when ParseErr is set.
	Prefix   string
	Command  string
	Params   []string
	ParseErr string
}

// NewFrameRecord creates a record with a fresh ID stamped at t.
func NewFrameRecord(session uuid.UUID, dir Direction, seq int64, raw []byte, t time.Time) FrameRecord {
	return FrameRecord{
		ID:         uuid.New(),
		SessionID:  session,
		Direction:  dir,
		Seq:        seq,
		ReceivedAt: t.UnixMicro(),
		Raw:        raw,
	}
}

// Decoded reports whether the frame parsed as a protocol message.
func (r FrameRecord) Decoded() bool {
	return r.Command != "" && r.ParseErr == ""
}

// Session describes the live upstream session for presence and health output.
type Session struct {
	ID        uuid.UUID
	Server    string // host:port of the upstream
	Nick      string
	State     string
	Observers int
	StartedAt int64 // µs since epoch
}
