package job

import (
	"time"

	"github.com/google/uuid"
)

// AssetKind identifies a final output format.
type AssetKind string

const (
	AssetTXT  AssetKind = "TXT"
	AssetJSON AssetKind = "JSON"
	AssetSRT  AssetKind = "SRT"
	AssetVTT  AssetKind = "VTT"
)

// AllAssetKinds lists every kind produced by the output stage. For a job in
// COMPLETE the recorded asset set is exactly this, created atomically.
var AllAssetKinds = []AssetKind{AssetTXT, AssetJSON, AssetSRT, AssetVTT}

// MimeType returns the content type served for the asset kind.
func (k AssetKind) MimeType() string {
	switch k {
	case AssetTXT:
		return "text/plain; charset=utf-8"
	case AssetJSON:
		return "application/json"
	case AssetSRT:
		return "application/x-subrip"
	case AssetVTT:
		return "text/vtt"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the filename extension for the asset kind.
func (k AssetKind) Extension() string {
	switch k {
	case AssetTXT:
		return "txt"
	case AssetJSON:
		return "json"
	case AssetSRT:
		return "srt"
	case AssetVTT:
		return "vtt"
	default:
		return "bin"
	}
}

// Asset is a final transcript output recorded on the job.
type Asset struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Kind       AssetKind `json:"kind"`
	StorageKey string    `json:"storage_key"`
	ByteSize   int64     `json:"byte_size"`
	MimeType   string    `json:"mime_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewAsset creates an Asset record for a stored blob.
func NewAsset(jobID string, kind AssetKind, storageKey string, byteSize int64) Asset {
	return Asset{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Kind:       kind,
		StorageKey: storageKey,
		ByteSize:   byteSize,
		MimeType:   kind.MimeType(),
		CreatedAt:  time.Now(),
	}
}
