package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
)

func newManager(t *testing.T) (*Manager, *MemorySessionStore, *job.MemoryStore) {
	t.Helper()

	dataDir := t.TempDir()
	blobs, err := blob.NewLocalStore(t.TempDir(), "http://localhost:8080", "test-secret")
	require.NoError(t, err)

	sessions := NewMemorySessionStore()
	jobs := job.NewMemoryStore()
	cfg := Config{
		ChunkSize:      16,
		MaxUploadBytes: 1024,
		SessionTTL:     24 * time.Hour,
		MaxJobRetries:  3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(sessions, blobs, jobs, cfg, dataDir, logger), sessions, jobs
}

func putAll(t *testing.T, m *Manager, uploadID string, data []byte, chunkSize int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i*chunkSize < len(data); i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		_, err := m.PutChunk(ctx, "owner-1", uploadID, i, bytes.NewReader(data[i*chunkSize:end]))
		require.NoError(t, err)
	}
}

func TestManager_CreateSession_Policy(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	t.Run("accepts audio", func(t *testing.T) {
		sess, err := m.CreateSession(ctx, "owner-1", "a.wav", 40, "audio/wav")
		require.NoError(t, err)
		assert.Equal(t, SessionOpen, sess.State)
		assert.Equal(t, int64(16), sess.ChunkSize)
		assert.Equal(t, 3, sess.ChunkCount())
		assert.False(t, sess.ExpiresAt.IsZero())
	})

	t.Run("rejects oversize", func(t *testing.T) {
		_, err := m.CreateSession(ctx, "owner-1", "big.wav", 2048, "audio/wav")
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("rejects non audio", func(t *testing.T) {
		_, err := m.CreateSession(ctx, "owner-1", "doc.pdf", 40, "application/pdf")
		assert.ErrorIs(t, err, ErrUnsupportedType)
	})
}

func TestManager_Finalize_HappyPath(t *testing.T) {
	m, _, jobs := newManager(t)
	ctx := context.Background()

	data := []byte("0123456789abcdef0123456789abcdefshort-tail")
	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", int64(len(data)), "audio/wav")
	require.NoError(t, err)
	putAll(t, m, sess.UploadID, data, 16)

	sum := sha256.Sum256(data)
	j, err := m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{
		ClientSHA256: hex.EncodeToString(sum[:]),
		Language:     "en",
	})
	require.NoError(t, err)

	assert.Equal(t, job.StateCreated, j.State)
	assert.Equal(t, "en", j.Language)
	assert.Equal(t, "sha256/"+hex.EncodeToString(sum[:]), j.StoragePaths[job.PathOriginal])

	got, err := jobs.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.UploadID, got.UploadID)

	final, err := m.sessions.GetSession(ctx, sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, SessionComplete, final.State)
	assert.NotEmpty(t, final.StorageKey)

	// Chunk spool is released once the blob exists.
	_, statErr := os.Stat(m.sessionDir(sess.UploadID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestManager_Finalize_OutOfOrderChunksAssembleIdentically(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	data := []byte("0123456789abcdefFEDCBA9876543210tail")
	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", int64(len(data)), "audio/wav")
	require.NoError(t, err)

	// Chunk 1 first, then 2, then 0, like a client resuming after a crash.
	for _, i := range []int{1, 2, 0} {
		end := (i + 1) * 16
		if end > len(data) {
			end = len(data)
		}
		_, err := m.PutChunk(ctx, "owner-1", sess.UploadID, i, bytes.NewReader(data[i*16:end]))
		require.NoError(t, err)
	}

	sum := sha256.Sum256(data)
	j, err := m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, "sha256/"+hex.EncodeToString(sum[:]), j.StoragePaths[job.PathOriginal])
}

func TestManager_PutChunk_Idempotency(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	data := []byte("0123456789abcdefrest")
	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", int64(len(data)), "audio/wav")
	require.NoError(t, err)

	chunk := data[:16]
	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 0, bytes.NewReader(chunk))
	require.NoError(t, err)

	// Identical bytes again: success.
	got, err := m.PutChunk(ctx, "owner-1", sess.UploadID, 0, bytes.NewReader(chunk))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got.ReceivedIndices())

	// One altered byte: conflict, session unchanged.
	altered := append([]byte(nil), chunk...)
	altered[3] ^= 0xFF
	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 0, bytes.NewReader(altered))
	assert.ErrorIs(t, err, ErrChunkConflict)

	after, err := m.GetSession(ctx, "owner-1", sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, SessionOpen, after.State)
	assert.Equal(t, []int{0}, after.ReceivedIndices())

	// The original bytes survive the conflicting attempt, so finalize still
	// assembles the declared content.
	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 1, bytes.NewReader(data[16:]))
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	j, err := m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, "sha256/"+hex.EncodeToString(sum[:]), j.StoragePaths[job.PathOriginal])
}

func TestManager_PutChunk_Bounds(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", 40, "audio/wav")
	require.NoError(t, err)

	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 3, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, -1, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	// Middle chunk must be exactly chunk_size.
	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 0, bytes.NewReader([]byte("short")))
	assert.ErrorIs(t, err, ErrChunkSize)

	// Final chunk carries the remainder (40 - 32 = 8 bytes).
	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 2, bytes.NewReader(bytes.Repeat([]byte("y"), 16)))
	assert.ErrorIs(t, err, ErrChunkSize)
	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 2, bytes.NewReader(bytes.Repeat([]byte("y"), 8)))
	assert.NoError(t, err)
}

func TestManager_SingleChunkUpload(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	// Exactly chunk_size bytes yields one chunk.
	data := bytes.Repeat([]byte("z"), 16)
	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", 16, "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ChunkCount())

	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 0, bytes.NewReader(data))
	require.NoError(t, err)

	_, err = m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{})
	require.NoError(t, err)
}

func TestManager_Finalize_Guards(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	data := []byte("0123456789abcdeftail")
	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", int64(len(data)), "audio/wav")
	require.NoError(t, err)

	t.Run("incomplete", func(t *testing.T) {
		_, err := m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{})
		assert.ErrorIs(t, err, ErrIncomplete)
	})

	putAll(t, m, sess.UploadID, data, 16)

	t.Run("hash mismatch leaves session open", func(t *testing.T) {
		_, err := m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{
			ClientSHA256: "deadbeef",
		})
		assert.ErrorIs(t, err, ErrHashMismatch)

		after, err := m.GetSession(ctx, "owner-1", sess.UploadID)
		require.NoError(t, err)
		assert.Equal(t, SessionOpen, after.State)
		assert.False(t, after.Finalizing)
	})

	t.Run("retry succeeds with chunks intact", func(t *testing.T) {
		_, err := m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{})
		require.NoError(t, err)
	})

	t.Run("finalize after complete is rejected", func(t *testing.T) {
		_, err := m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{})
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

// completeFailsOnce fails the first finalize completion, like a store hiccup
// landing between job creation and session close.
type completeFailsOnce struct {
	SessionStore
	tripped bool
}

func (s *completeFailsOnce) CompleteFinalize(ctx context.Context, uploadID, storageKey string) error {
	if !s.tripped {
		s.tripped = true
		return errors.New("session store unavailable")
	}
	return s.SessionStore.CompleteFinalize(ctx, uploadID, storageKey)
}

func TestManager_Finalize_RetryAfterInterruptedCompletionReusesJob(t *testing.T) {
	blobs, err := blob.NewLocalStore(t.TempDir(), "http://localhost:8080", "test-secret")
	require.NoError(t, err)
	sessions := &completeFailsOnce{SessionStore: NewMemorySessionStore()}
	jobs := job.NewMemoryStore()
	cfg := Config{ChunkSize: 16, MaxUploadBytes: 1024, SessionTTL: 24 * time.Hour, MaxJobRetries: 3}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(sessions, blobs, jobs, cfg, t.TempDir(), logger)
	ctx := context.Background()

	data := []byte("0123456789abcdeftail")
	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", int64(len(data)), "audio/wav")
	require.NoError(t, err)
	putAll(t, m, sess.UploadID, data, 16)

	_, err = m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{})
	require.Error(t, err)

	// The session rolled back to OPEN, but the first attempt's job exists.
	after, err := m.GetSession(ctx, "owner-1", sess.UploadID)
	require.NoError(t, err)
	require.Equal(t, SessionOpen, after.State)

	j, err := m.Finalize(ctx, "owner-1", sess.UploadID, FinalizeRequest{})
	require.NoError(t, err)

	owned, err := jobs.ListOwnerJobs(ctx, "owner-1", job.ListFilter{})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, j.ID, owned[0].ID)

	final, err := m.GetSession(ctx, "owner-1", sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, SessionComplete, final.State)
}

func TestManager_Ownership(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", 16, "audio/wav")
	require.NoError(t, err)

	_, err = m.PutChunk(ctx, "owner-2", sess.UploadID, 0, bytes.NewReader(bytes.Repeat([]byte("x"), 16)))
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = m.Finalize(ctx, "owner-2", sess.UploadID, FinalizeRequest{})
	assert.ErrorIs(t, err, ErrNotOwner)

	err = m.Abort(ctx, "owner-2", sess.UploadID)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestManager_Abort(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", 16, "audio/wav")
	require.NoError(t, err)
	require.NoError(t, m.Abort(ctx, "owner-1", sess.UploadID))

	after, err := m.GetSession(ctx, "owner-1", sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, SessionAborted, after.State)

	_, err = m.PutChunk(ctx, "owner-1", sess.UploadID, 0, bytes.NewReader(bytes.Repeat([]byte("x"), 16)))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestManager_ExpireSessions(t *testing.T) {
	m, sessions, _ := newManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "owner-1", "a.wav", 16, "audio/wav")
	require.NoError(t, err)

	n, err := m.ExpireSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.ExpireSessions(ctx, time.Now().Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := sessions.GetSession(ctx, sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, SessionExpired, after.State)
}

func TestSession_ExpectedChunkLen(t *testing.T) {
	tests := []struct {
		total int64
		want  []int64
	}{
		{40, []int64{16, 16, 8}},
		{32, []int64{16, 16}},
		{16, []int64{16}},
		{5, []int64{5}},
	}
	for _, tt := range tests {
		s := &Session{TotalSize: tt.total, ChunkSize: 16}
		require.Equal(t, len(tt.want), s.ChunkCount(), "total=%d", tt.total)
		for i, want := range tt.want {
			if got := s.ExpectedChunkLen(i); got != want {
				t.Errorf("total=%d chunk %d len = %d, want %d", tt.total, i, got, want)
			}
		}
	}
}

func TestMemorySessionStore_BeginFinalize_SingleFlight(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	sess := &Session{UploadID: "upload-1", State: SessionOpen, Received: map[int]string{}}
	require.NoError(t, store.CreateSession(ctx, sess))

	require.NoError(t, store.BeginFinalize(ctx, "upload-1"))
	err := store.BeginFinalize(ctx, "upload-1")
	assert.ErrorIs(t, err, ErrFinalizeInFlight)

	require.NoError(t, store.AbortFinalize(ctx, "upload-1"))
	require.NoError(t, store.BeginFinalize(ctx, "upload-1"))
}

func TestMemorySessionStore_HeldKeys(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	for i, key := range []string{"", "sha256/aaa", "sha256/bbb"} {
		sess := &Session{
			UploadID:   fmt.Sprintf("upload-%d", i),
			State:      SessionComplete,
			StorageKey: key,
			Received:   map[int]string{},
		}
		require.NoError(t, store.CreateSession(ctx, sess))
	}

	keys, err := store.HeldKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "sha256/aaa")
	assert.Contains(t, keys, "sha256/bbb")
}
