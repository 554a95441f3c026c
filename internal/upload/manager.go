package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/job/id"
)

// Config carries the upload policy knobs.
type Config struct {
	// ChunkSize is the fixed chunk length in bytes handed to every session.
	ChunkSize int64
	// MaxUploadBytes is the ceiling on a session's declared total size.
	MaxUploadBytes int64
	// SessionTTL is how long an OPEN session survives before the sweeper
	// expires it.
	SessionTTL time.Duration
	// MaxJobRetries is passed to jobs created at finalize.
	MaxJobRetries int
	// ExtraMimeTypes lists non-audio MIME types whose audio track we accept,
	// for example video containers. Empty by default.
	ExtraMimeTypes []string
}

// FinalizeRequest carries the optional finalize parameters.
type FinalizeRequest struct {
	// ClientSHA256 is the client-computed hex digest of the whole file.
	// When set it must match the assembled blob.
	ClientSHA256 string
	// Language is the requested transcription language, or empty for AUTO.
	Language string
	// Diarize enables the speaker-attribution stage.
	Diarize bool
}

// Manager owns upload sessions: it spools chunks to disk, verifies them,
// and on finalize assembles the blob and creates the job.
type Manager struct {
	sessions SessionStore
	blobs    blob.Store
	jobs     job.Store
	cfg      Config
	spoolDir string
	logger   *slog.Logger
}

// NewManager creates a Manager spooling chunk files under dataDir/uploads.
func NewManager(sessions SessionStore, blobs blob.Store, jobs job.Store, cfg Config, dataDir string, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: sessions,
		blobs:    blobs,
		jobs:     jobs,
		cfg:      cfg,
		spoolDir: filepath.Join(dataDir, "uploads"),
		logger:   logger,
	}
}

// CreateSession opens a new upload session for the owner.
func (m *Manager) CreateSession(ctx context.Context, ownerID, filename string, totalSize int64, mimeType string) (*Session, error) {
	if totalSize <= 0 || totalSize > m.cfg.MaxUploadBytes {
		return nil, ErrTooLarge
	}
	if !m.acceptableMime(mimeType) {
		return nil, ErrUnsupportedType
	}

	now := time.Now()
	sess := &Session{
		UploadID:  id.Upload(),
		OwnerID:   ownerID,
		Filename:  filename,
		TotalSize: totalSize,
		MimeType:  mimeType,
		ChunkSize: m.cfg.ChunkSize,
		Received:  make(map[int]string),
		State:     SessionOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.SessionTTL),
	}

	if err := os.MkdirAll(m.sessionDir(sess.UploadID), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("upload session created",
		"upload_id", sess.UploadID,
		"owner_id", ownerID,
		"total_size", totalSize,
		"chunks", sess.ChunkCount(),
	)
	return sess, nil
}

// PutChunk stores one chunk. Re-sending an index with identical bytes is
// idempotent; different bytes fail with ErrChunkConflict. Distinct indices
// may be written concurrently.
func (m *Manager) PutChunk(ctx context.Context, ownerID, uploadID string, index int, body io.Reader) (*Session, error) {
	sess, err := m.ownedSession(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.State != SessionOpen {
		return nil, ErrSessionClosed
	}
	if index < 0 || index >= sess.ChunkCount() {
		return nil, ErrChunkOutOfRange
	}

	tmpPath, sum, size, err := m.spoolChunk(uploadID, body)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	if size != sess.ExpectedChunkLen(index) {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrChunkSize, size, sess.ExpectedChunkLen(index))
	}

	// Record before commit so a conflicting re-PUT never clobbers the bytes
	// already on disk.
	if err := m.sessions.RecordChunk(ctx, uploadID, index, sum); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, m.chunkPath(uploadID, index)); err != nil {
		return nil, fmt.Errorf("commit chunk: %w", err)
	}

	return m.sessions.GetSession(ctx, uploadID)
}

// Finalize assembles the chunks into one blob, verifies it, creates the job
// and completes the session. At most one finalize runs per session; a failed
// finalize leaves the session OPEN with every chunk intact.
func (m *Manager) Finalize(ctx context.Context, ownerID, uploadID string, req FinalizeRequest) (*job.Job, error) {
	sess, err := m.ownedSession(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}
	if missing := sess.MissingChunks(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d chunks missing", ErrIncomplete, len(missing), sess.ChunkCount())
	}

	if err := m.sessions.BeginFinalize(ctx, uploadID); err != nil {
		return nil, err
	}

	j, err := m.assemble(ctx, sess, req)
	if err != nil {
		if abortErr := m.sessions.AbortFinalize(ctx, uploadID); abortErr != nil {
			m.logger.Error("abort finalize failed", "upload_id", uploadID, "error", abortErr)
		}
		return nil, err
	}
	return j, nil
}

func (m *Manager) assemble(ctx context.Context, sess *Session, req FinalizeRequest) (*job.Job, error) {
	readers := make([]io.Reader, 0, sess.ChunkCount())
	files := make([]*os.File, 0, sess.ChunkCount())
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for i := 0; i < sess.ChunkCount(); i++ {
		f, err := os.Open(m.chunkPath(sess.UploadID, i))
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d unreadable: %v", ErrIncomplete, i, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	key, size, err := m.blobs.Put(ctx, io.MultiReader(readers...))
	if err != nil {
		return nil, fmt.Errorf("assemble blob: %w", err)
	}
	if size != sess.TotalSize {
		return nil, fmt.Errorf("%w: assembled %d bytes, declared %d", ErrIncomplete, size, sess.TotalSize)
	}
	if req.ClientSHA256 != "" {
		want := strings.ToLower(req.ClientSHA256)
		if got := strings.TrimPrefix(key, "sha256/"); got != want {
			return nil, fmt.Errorf("%w: got %s", ErrHashMismatch, got)
		}
	}

	// A finalize retried after an interrupted completion must reuse the job
	// the first attempt created, never mint a second one for the same blob.
	j, err := m.sessionJob(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("lookup session job: %w", err)
	}
	if j == nil {
		j = job.New(sess.OwnerID, sess.UploadID, sess.Filename, sess.TotalSize, req.Language, req.Diarize, m.cfg.MaxJobRetries)
		j.StoragePaths[job.PathOriginal] = key
		if err := m.jobs.CreateJob(ctx, j); err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
	}

	if err := m.sessions.CompleteFinalize(ctx, sess.UploadID, key); err != nil {
		return nil, err
	}
	m.removeSessionDir(sess.UploadID)

	m.logger.Info("upload finalized",
		"upload_id", sess.UploadID,
		"job_id", j.ID,
		"blob_key", key,
		"size", size,
	)
	return j, nil
}

// Abort cancels the session and releases its chunk storage.
func (m *Manager) Abort(ctx context.Context, ownerID, uploadID string) error {
	sess, err := m.ownedSession(ctx, ownerID, uploadID)
	if err != nil {
		return err
	}
	if sess.State != SessionOpen {
		return ErrSessionClosed
	}
	if err := m.sessions.SetState(ctx, uploadID, SessionAborted); err != nil {
		return err
	}
	m.removeSessionDir(uploadID)
	m.logger.Info("upload session aborted", "upload_id", uploadID)
	return nil
}

// GetSession returns the owner's session snapshot.
func (m *Manager) GetSession(ctx context.Context, ownerID, uploadID string) (*Session, error) {
	return m.ownedSession(ctx, ownerID, uploadID)
}

// ExpireSessions transitions OPEN sessions past their TTL to EXPIRED and
// releases their chunk storage. Called by the reconciler.
func (m *Manager) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.sessions.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, sess := range expired {
		if err := m.sessions.SetState(ctx, sess.UploadID, SessionExpired); err != nil {
			return 0, err
		}
		m.removeSessionDir(sess.UploadID)
		m.logger.Info("upload session expired", "upload_id", sess.UploadID)
	}
	return len(expired), nil
}

// HeldKeys returns blob keys still owned by sessions, for the reconciler's
// orphan sweep.
func (m *Manager) HeldKeys(ctx context.Context) (map[string]struct{}, error) {
	return m.sessions.HeldKeys(ctx)
}

// sessionJob finds the job a previous finalize attempt already created for
// the session, or nil.
func (m *Manager) sessionJob(ctx context.Context, sess *Session) (*job.Job, error) {
	owned, err := m.jobs.ListOwnerJobs(ctx, sess.OwnerID, job.ListFilter{})
	if err != nil {
		return nil, err
	}
	for _, j := range owned {
		if j.UploadID == sess.UploadID {
			return j, nil
		}
	}
	return nil, nil
}

func (m *Manager) ownedSession(ctx context.Context, ownerID, uploadID string) (*Session, error) {
	sess, err := m.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return sess, nil
}

func (m *Manager) acceptableMime(mimeType string) bool {
	if strings.HasPrefix(mimeType, "audio/") {
		return true
	}
	for _, extra := range m.cfg.ExtraMimeTypes {
		if mimeType == extra {
			return true
		}
	}
	return false
}

// spoolChunk writes a chunk body to a temp file in the session dir,
// returning the temp path, the sha256 hex and the length. The caller renames
// the temp file into place once the session accepts the hash.
func (m *Manager) spoolChunk(uploadID string, body io.Reader) (string, string, int64, error) {
	dir := m.sessionDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", 0, fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("create chunk temp: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", "", 0, fmt.Errorf("write chunk: %w", err)
	}
	return tmp.Name(), hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func (m *Manager) sessionDir(uploadID string) string {
	return filepath.Join(m.spoolDir, uploadID)
}

func (m *Manager) chunkPath(uploadID string, index int) string {
	return filepath.Join(m.sessionDir(uploadID), strconv.Itoa(index))
}

func (m *Manager) removeSessionDir(uploadID string) {
	if err := os.RemoveAll(m.sessionDir(uploadID)); err != nil {
		m.logger.Warn("remove session dir failed", "upload_id", uploadID, "error", err)
	}
}
