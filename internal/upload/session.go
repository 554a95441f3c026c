// Package upload implements resumable chunked uploads. A session accepts
// fixed-size chunks in any order, survives client disconnects, and on
// finalize assembles a single verified blob and creates a transcription job.
package upload

import (
	"context"
	"errors"
	"time"
)

// Static errors for upload operations.
var (
	// ErrSessionNotFound is returned when a session cannot be found by ID.
	ErrSessionNotFound = errors.New("upload: session not found")
	// ErrSessionClosed is returned when writing to a session that is no
	// longer OPEN.
	ErrSessionClosed = errors.New("upload: session closed")
	// ErrNotOwner is returned when a caller addresses another owner's session.
	ErrNotOwner = errors.New("upload: not session owner")
	// ErrTooLarge is returned when the declared size exceeds the ceiling.
	ErrTooLarge = errors.New("upload: file too large")
	// ErrUnsupportedType is returned for MIME types we cannot transcribe.
	ErrUnsupportedType = errors.New("upload: unsupported media type")
	// ErrChunkOutOfRange is returned for a chunk index outside the session.
	ErrChunkOutOfRange = errors.New("upload: chunk index out of range")
	// ErrChunkSize is returned when a chunk body has the wrong length.
	ErrChunkSize = errors.New("upload: chunk size mismatch")
	// ErrChunkConflict is returned when re-uploading an index with
	// different bytes.
	ErrChunkConflict = errors.New("upload: chunk conflict")
	// ErrIncomplete is returned when finalizing before all chunks arrived.
	ErrIncomplete = errors.New("upload: chunks missing")
	// ErrHashMismatch is returned when the client content hash does not
	// match the assembled blob.
	ErrHashMismatch = errors.New("upload: content hash mismatch")
	// ErrFinalizeInFlight is returned when a finalize is already running.
	ErrFinalizeInFlight = errors.New("upload: finalize already in progress")
)

// SessionState represents the lifecycle state of an upload session.
type SessionState string

const (
	SessionOpen     SessionState = "OPEN"
	SessionComplete SessionState = "COMPLETE"
	SessionAborted  SessionState = "ABORTED"
	SessionExpired  SessionState = "EXPIRED"
)

// IsTerminal returns true if no further chunks may be written.
func (s SessionState) IsTerminal() bool {
	return s != SessionOpen
}

// Session identifies an in-progress file assembly. The chunk size is fixed
// when the session is created and never changes.
type Session struct {
	UploadID  string
	OwnerID   string
	Filename  string
	TotalSize int64
	MimeType  string
	ChunkSize int64

	// Received maps a chunk index to the sha256 hex of its bytes. The hash
	// makes re-PUT of an index cheap to classify as idempotent or conflicting.
	Received map[int]string

	// StorageKey is the assembled blob key, set when the session completes.
	StorageKey string

	State SessionState

	// Finalizing serializes finalize attempts; at most one runs per session.
	Finalizing bool

	CreatedAt time.Time
	ExpiresAt time.Time
}

// ChunkCount returns the number of chunks the session expects.
func (s *Session) ChunkCount() int {
	return int((s.TotalSize + s.ChunkSize - 1) / s.ChunkSize)
}

// ExpectedChunkLen returns the byte length chunk index must have. Every
// chunk is ChunkSize long except the last, which holds the remainder.
func (s *Session) ExpectedChunkLen(index int) int64 {
	if index == s.ChunkCount()-1 {
		if rem := s.TotalSize % s.ChunkSize; rem != 0 {
			return rem
		}
	}
	return s.ChunkSize
}

// MissingChunks returns the indices not yet received, in order.
func (s *Session) MissingChunks() []int {
	var missing []int
	for i := 0; i < s.ChunkCount(); i++ {
		if _, ok := s.Received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReceivedIndices returns the received chunk indices in ascending order.
func (s *Session) ReceivedIndices() []int {
	out := make([]int, 0, len(s.Received))
	for i := 0; i < s.ChunkCount(); i++ {
		if _, ok := s.Received[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// Clone creates a deep copy of the session for safe reads.
func (s *Session) Clone() *Session {
	c := *s
	c.Received = make(map[int]string, len(s.Received))
	for k, v := range s.Received {
		c.Received[k] = v
	}
	return &c
}

// SessionStore defines the durable index of upload sessions. Mutations are
// atomic; chunk writes to the same index are serialized by RecordChunk.
type SessionStore interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session snapshot by ID.
	GetSession(ctx context.Context, uploadID string) (*Session, error)

	// RecordChunk records the hash for a received chunk index. It fails with
	// ErrChunkConflict when the index already holds a different hash and is
	// a no-op when it holds the same one.
	RecordChunk(ctx context.Context, uploadID string, index int, sum string) error

	// BeginFinalize marks the session as finalizing. Fails with
	// ErrFinalizeInFlight if another finalize holds the flag and with
	// ErrSessionClosed if the session is not OPEN.
	BeginFinalize(ctx context.Context, uploadID string) error

	// CompleteFinalize transitions the session to COMPLETE with its
	// assembled blob key and clears the finalizing flag.
	CompleteFinalize(ctx context.Context, uploadID, storageKey string) error

	// AbortFinalize clears the finalizing flag leaving the session OPEN so
	// finalize may be retried with all chunks intact.
	AbortFinalize(ctx context.Context, uploadID string) error

	// SetState transitions the session to a terminal state.
	SetState(ctx context.Context, uploadID string, state SessionState) error

	// ListExpired returns OPEN sessions whose expiry passed before now.
	ListExpired(ctx context.Context, now time.Time) ([]*Session, error)

	// HeldKeys returns blob keys still owned by sessions. The reconciler
	// treats these as referenced.
	HeldKeys(ctx context.Context) (map[string]struct{}, error)
}
