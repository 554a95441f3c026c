package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStore implements Store using the local filesystem. Blobs live under
// rootDir with the key as a relative path. Presigned URLs point at the API
// server's /blobs route and carry an HMAC token the server verifies.
type LocalStore struct {
	rootDir string
	baseURL string
	secret  []byte
}

// Compile-time check that LocalStore implements Store.
var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at rootDir.
// baseURL is the externally reachable URL of the API server, used to build
// presigned download URLs. secret signs presign tokens; if empty, a random
// secret is generated and presigned URLs are only valid for this process.
func NewLocalStore(rootDir, baseURL, secret string) (*LocalStore, error) {
	if rootDir == "" {
		rootDir = filepath.Join(os.TempDir(), "voxpipe-blobs")
	}
	if err := os.MkdirAll(filepath.Join(rootDir, ".tmp"), 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}

	key := []byte(secret)
	if len(key) == 0 {
		key = randomSecret()
	}

	return &LocalStore{
		rootDir: rootDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  key,
	}, nil
}

func randomSecret() []byte {
	b := make([]byte, 32)
	f, err := os.Open("/dev/urandom")
	if err == nil {
		defer func() { _ = f.Close() }()
		_, _ = io.ReadFull(f, b)
	}
	return b
}

// RootDir returns the blob root directory.
func (s *LocalStore) RootDir() string {
	return s.rootDir
}

// Put streams data into a temp file, computes its sha256 and renames it into
// place under sha256/<hex>. The rename makes the object visible atomically.
func (s *LocalStore) Put(ctx context.Context, data io.Reader) (string, int64, error) {
	select {
	case <-ctx.Done():
		return "", 0, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	tmp, err := os.CreateTemp(filepath.Join(s.rootDir, ".tmp"), "put_*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", 0, fmt.Errorf("close blob: %w", err)
	}

	key := "sha256/" + hex.EncodeToString(hasher.Sum(nil))
	if err := s.moveIntoPlace(tmpName, key); err != nil {
		return "", 0, err
	}
	return key, size, nil
}

// Write streams data into a temp file and renames it to the given key.
func (s *LocalStore) Write(ctx context.Context, key string, data io.Reader) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if !validKey(key) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.rootDir, ".tmp"), "write_*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	size, err := io.Copy(tmp, data)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close blob: %w", err)
	}

	if err := s.moveIntoPlace(tmpName, key); err != nil {
		return 0, err
	}
	return size, nil
}

func (s *LocalStore) moveIntoPlace(tmpName, key string) error {
	dst := filepath.Join(s.rootDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize blob: %w", err)
	}
	return nil
}

// Open returns a reader over the blob. The caller must close it.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	f, err := os.Open(filepath.Join(s.rootDir, filepath.FromSlash(key))) // #nosec G304 - key is validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Stat returns the blob size.
func (s *LocalStore) Stat(_ context.Context, key string) (int64, error) {
	if !validKey(key) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	info, err := os.Stat(filepath.Join(s.rootDir, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return info.Size(), nil
}

// PresignGet builds a signed URL served by the API server's /blobs route.
func (s *LocalStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	exp := time.Now().Add(ttl).Unix()
	sig := signKey(s.secret, key, exp)
	return fmt.Sprintf("%s/blobs/%s?exp=%d&sig=%s", s.baseURL, escapeKey(key), exp, sig), nil
}

// VerifyPresign checks a presign token produced by PresignGet.
// Returns false for bad signatures and expired tokens.
func (s *LocalStore) VerifyPresign(key string, exp int64, sig string) bool {
	if time.Now().Unix() > exp {
		return false
	}
	want := signKey(s.secret, key, exp)
	return hmac.Equal([]byte(want), []byte(sig))
}

// Delete removes a blob. Absent keys are ignored.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	err := os.Remove(filepath.Join(s.rootDir, filepath.FromSlash(key)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// List walks the store root and returns all keys.
func (s *LocalStore) List(_ context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.rootDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.rootDir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return keys, nil
}

// signKey computes the hex HMAC-SHA256 over "key|exp".
func signKey(secret []byte, key string, exp int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(key))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// escapeKey percent-escapes each path segment, preserving slashes.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// validKey rejects keys that are empty, absolute or traverse upward.
func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	clean := path.Clean(key)
	if clean != key {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return false
		}
	}
	return true
}
