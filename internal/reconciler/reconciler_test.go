package reconciler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/upload"
)

type env struct {
	blobs    *blob.LocalStore
	jobs     *job.MemoryStore
	sessions *upload.MemorySessionStore
	uploads  *upload.Manager
	rec      *Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	blobs, err := blob.NewLocalStore(t.TempDir(), "http://localhost:8080", "test-secret")
	require.NoError(t, err)

	jobs := job.NewMemoryStore()
	sessions := upload.NewMemorySessionStore()
	uploads := upload.NewManager(sessions, blobs, jobs, upload.Config{
		ChunkSize:      16,
		MaxUploadBytes: 1 << 20,
		SessionTTL:     time.Hour,
		MaxJobRetries:  3,
	}, t.TempDir(), logger)

	return &env{
		blobs:    blobs,
		jobs:     jobs,
		sessions: sessions,
		uploads:  uploads,
		rec:      NewReconciler(uploads, jobs, blobs, Config{Interval: time.Minute}, logger),
	}
}

func putBlob(t *testing.T, e *env, content string) string {
	t.Helper()
	key, _, err := e.blobs.Put(context.Background(), strings.NewReader(content))
	require.NoError(t, err)
	return key
}

func TestSweep_DeletesOrphansOnSecondSighting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	orphan := putBlob(t, e, "nobody references this")

	// First sighting only marks the key.
	e.rec.Sweep(ctx, time.Now())
	_, err := e.blobs.Stat(ctx, orphan)
	assert.NoError(t, err)

	// Second sighting deletes it.
	e.rec.Sweep(ctx, time.Now())
	_, err = e.blobs.Stat(ctx, orphan)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestSweep_KeepsJobReferencedBlobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := putBlob(t, e, "original upload bytes")
	j := job.New("owner-1", "upload-1", "a.wav", 21, "en", false, 3)
	j.StoragePaths[job.PathOriginal] = key
	require.NoError(t, e.jobs.CreateJob(ctx, j))

	e.rec.Sweep(ctx, time.Now())
	e.rec.Sweep(ctx, time.Now())

	_, err := e.blobs.Stat(ctx, key)
	assert.NoError(t, err)
}

func TestSweep_KeepsFailedJobBlobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := putBlob(t, e, "failed job original")
	j := job.New("owner-1", "upload-1", "a.wav", 19, "en", false, 3)
	j.StoragePaths[job.PathOriginal] = key
	require.NoError(t, e.jobs.CreateJob(ctx, j))
	require.NoError(t, e.jobs.UpdateStage(ctx, j.ID, job.StageCreated, job.StageValidating, 0))
	require.NoError(t, e.jobs.SetError(ctx, j.ID, "NO_AUDIO", "no audio stream", job.StageValidating))

	e.rec.Sweep(ctx, time.Now())
	e.rec.Sweep(ctx, time.Now())

	_, err := e.blobs.Stat(ctx, key)
	assert.NoError(t, err)
}

func TestSweep_KeepsSessionHeldBlobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := putBlob(t, e, "assembled but unfinalized")
	sess, err := e.uploads.CreateSession(ctx, "owner-1", "a.wav", 26, "audio/wav")
	require.NoError(t, err)
	require.NoError(t, e.sessions.CompleteFinalize(ctx, sess.UploadID, key))

	e.rec.Sweep(ctx, time.Now())
	e.rec.Sweep(ctx, time.Now())

	_, err = e.blobs.Stat(ctx, key)
	assert.NoError(t, err)
}

func TestSweep_ReferenceRescuesPendingKey(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	key := putBlob(t, e, "finalize in flight")

	// Sweep sees the blob before the job record exists.
	e.rec.Sweep(ctx, time.Now())

	j := job.New("owner-1", "upload-1", "a.wav", 18, "en", false, 3)
	j.StoragePaths[job.PathOriginal] = key
	require.NoError(t, e.jobs.CreateJob(ctx, j))

	e.rec.Sweep(ctx, time.Now())
	e.rec.Sweep(ctx, time.Now())

	_, err := e.blobs.Stat(ctx, key)
	assert.NoError(t, err)
}

func TestSweep_ExpiresStaleSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.uploads.CreateSession(ctx, "owner-1", "a.wav", 32, "audio/wav")
	require.NoError(t, err)

	e.rec.Sweep(ctx, time.Now().Add(2*time.Hour))

	got, err := e.sessions.GetSession(ctx, sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, upload.SessionExpired, got.State)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.rec.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
