// Package id provides unique identifier generation for jobs and upload sessions.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Generate creates a new unique ID with the given prefix.
// Format: <prefix>-<timestamp>-<random>
// Example: job-1701432000-a1b2c3d4
func Generate(prefix string) string {
	timestamp := time.Now().Unix()
	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		// Fallback to timestamp only if crypto/rand fails
		return fmt.Sprintf("%s-%d", prefix, timestamp)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, timestamp, hex.EncodeToString(random))
}

// Job creates a new job ID.
func Job() string { return Generate("job") }

// Upload creates a new upload session ID.
func Upload() string { return Generate("upload") }
