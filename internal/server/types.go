// Package server provides the HTTP server for the transcription API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/upload"
)

// CreateSessionRequest is the HTTP request body for opening an upload session.
type CreateSessionRequest struct {
	// Filename is the original filename, kept for display.
	Filename string `json:"filename" validate:"required,max=512"`
	// TotalSize is the exact byte size of the file to be uploaded.
	TotalSize int64 `json:"total_size" validate:"required,min=1"`
	// MimeType declares the file's media type.
	MimeType string `json:"mime_type" validate:"required"`
}

// SessionResponse describes an upload session.
type SessionResponse struct {
	// UploadID is the unique identifier for the session.
	UploadID string `json:"upload_id"`
	// State is OPEN, COMPLETE, ABORTED or EXPIRED.
	State string `json:"state"`
	// ChunkSize is the fixed chunk length the client must use.
	ChunkSize int64 `json:"chunk_size"`
	// ChunkCount is the total number of chunks expected.
	ChunkCount int `json:"chunk_count"`
	// Received lists the chunk indices recorded so far.
	Received []int `json:"received"`
	// Missing lists the chunk indices still outstanding.
	Missing []int `json:"missing"`
	// ExpiresAt is when an OPEN session is reclaimed.
	ExpiresAt time.Time `json:"expires_at"`
}

// FinalizeRequest is the HTTP request body for finalizing an upload.
type FinalizeRequest struct {
	// SHA256 is the client-computed hex digest of the whole file; optional.
	SHA256 string `json:"sha256,omitempty" validate:"omitempty,len=64,hexadecimal"`
	// Language is the requested transcription language, or empty for AUTO.
	Language string `json:"language,omitempty" validate:"omitempty,max=16"`
	// Diarize enables speaker attribution.
	Diarize bool `json:"diarize"`
}

// JobResponse is the HTTP response for job details.
type JobResponse struct {
	ID               string   `json:"id"`
	State            string   `json:"state"`
	CurrentStage     string   `json:"current_stage"`
	Progress         float64  `json:"progress"`
	Filename         string   `json:"filename"`
	Language         string   `json:"language"`
	DetectedLanguage string   `json:"detected_language,omitempty"`
	DurationSec      float64  `json:"duration_sec,omitempty"`
	RetryCount       int      `json:"retry_count"`
	CancelRequested  bool     `json:"cancel_requested,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	Results *JobResults `json:"results,omitempty"`
	Error   *JobError   `json:"error,omitempty"`
}

// JobResults carries the merged transcript summary.
type JobResults struct {
	Transcript         string  `json:"transcript"`
	DiarizedTranscript string  `json:"diarized_transcript,omitempty"`
	WordCount          int     `json:"word_count"`
	Confidence         float64 `json:"confidence"`
	FailedSegments     []int   `json:"failed_segments,omitempty"`
}

// JobError describes why a job failed.
type JobError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	FailedStage string `json:"failed_stage"`
}

// JobListResponse wraps a job listing.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// AssetResponse describes one downloadable transcript asset.
type AssetResponse struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	MimeType    string    `json:"mime_type"`
	ByteSize    int64     `json:"byte_size"`
	DownloadURL string    `json:"download_url"`
	// Canonical is false for assets left behind by a failed run.
	Canonical bool      `json:"canonical"`
	CreatedAt time.Time `json:"created_at"`
}

// AssetListResponse wraps a job's asset set.
type AssetListResponse struct {
	Assets []AssetResponse `json:"assets"`
}

// CreateWebhookRequest registers a notification endpoint.
type CreateWebhookRequest struct {
	// URL receives signed POSTs on every job transition.
	URL string `json:"url" validate:"required,url"`
	// Secret signs deliveries for this endpoint; falls back to the
	// server-wide secret when empty.
	Secret string `json:"secret,omitempty" validate:"omitempty,max=256"`
}

// WebhookResponse describes a registration. The secret is never echoed.
type WebhookResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookListResponse wraps an owner's registrations.
type WebhookListResponse struct {
	Webhooks []WebhookResponse `json:"webhooks"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

func sessionResponse(sess *upload.Session) SessionResponse {
	return SessionResponse{
		UploadID:   sess.UploadID,
		State:      string(sess.State),
		ChunkSize:  sess.ChunkSize,
		ChunkCount: sess.ChunkCount(),
		Received:   sess.ReceivedIndices(),
		Missing:    sess.MissingChunks(),
		ExpiresAt:  sess.ExpiresAt,
	}
}

func jobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:               j.ID,
		State:            string(j.State),
		CurrentStage:     string(j.CurrentStage),
		Progress:         j.Progress,
		Filename:         j.Filename,
		Language:         j.Language,
		DetectedLanguage: j.DetectedLanguage,
		DurationSec:      j.TotalDurationSec,
		RetryCount:       j.RetryCount,
		CancelRequested:  j.CancelRequested,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
	if !j.CompletedAt.IsZero() {
		done := j.CompletedAt
		resp.CompletedAt = &done
	}
	if j.Results != nil {
		resp.Results = &JobResults{
			Transcript:         j.Results.Transcript,
			DiarizedTranscript: j.Results.DiarizedTranscript,
			WordCount:          j.Results.WordCount,
			Confidence:         j.Results.Confidence,
			FailedSegments:     j.Results.FailedSegments,
		}
	}
	if j.Error != nil {
		resp.Error = &JobError{
			Code:        j.Error.Code,
			Message:     j.Error.Message,
			FailedStage: string(j.Error.FailedStage),
		}
	}
	return resp
}
