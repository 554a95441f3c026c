package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), "http://localhost:8080", "test-secret")
	require.NoError(t, err)
	return store
}

func TestLocalStore_PutIsContentAddressed(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	payload := []byte("some audio bytes")
	key, size, err := store.Put(ctx, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	sum := sha256.Sum256(payload)
	assert.Equal(t, "sha256/"+hex.EncodeToString(sum[:]), key)

	// Same bytes produce the same key.
	key2, _, err := store.Put(ctx, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, key, key2)
}

func TestLocalStore_WriteOpenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	payload := []byte("segment data")
	size, err := store.Write(ctx, "job/j1/seg/00000.wav", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	r, err := store.Open(ctx, "job/j1/seg/00000.wav")
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLocalStore_Stat(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Write(ctx, "job/j1/normalized.wav", strings.NewReader("0123456789"))
	require.NoError(t, err)

	size, err := store.Stat(ctx, "job/j1/normalized.wav")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	_, err = store.Stat(ctx, "job/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_OpenNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Open(t.Context(), "sha256/deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_RejectsTraversalKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	for _, key := range []string{"", "/abs", "../escape", "a/../../b", "a//b", "./x"} {
		t.Run(key, func(t *testing.T) {
			_, err := store.Write(ctx, key, strings.NewReader("x"))
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestLocalStore_DeleteIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Write(ctx, "job/j1/x", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "job/j1/x"))
	require.NoError(t, store.Delete(ctx, "job/j1/x")) // second delete is a no-op

	_, err = store.Stat(ctx, "job/j1/x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Write(ctx, "job/j1/a", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = store.Write(ctx, "job/j2/b", strings.NewReader("b"))
	require.NoError(t, err)

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job/j1/a", "job/j2/b"}, keys)
}

func TestLocalStore_PresignVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Write(ctx, "job/j1/assets/out.txt", strings.NewReader("hello"))
	require.NoError(t, err)

	signed, err := store.PresignGet(ctx, "job/j1/assets/out.txt", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed, "http://localhost:8080/blobs/"))

	u, err := url.Parse(signed)
	require.NoError(t, err)
	exp, err := strconv.ParseInt(u.Query().Get("exp"), 10, 64)
	require.NoError(t, err)
	sig := u.Query().Get("sig")

	assert.True(t, store.VerifyPresign("job/j1/assets/out.txt", exp, sig))
	assert.False(t, store.VerifyPresign("job/j1/assets/other.txt", exp, sig))
	assert.False(t, store.VerifyPresign("job/j1/assets/out.txt", exp, "bad"))

	// Expired tokens are rejected.
	expired := time.Now().Add(-time.Minute).Unix()
	assert.False(t, store.VerifyPresign("job/j1/assets/out.txt", expired, sig))
}

func TestLocalStore_PartialWriteInvisible(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	// A reader that fails midway must leave no object behind.
	failing := io.MultiReader(strings.NewReader("partial"), errReader{})
	_, err := store.Write(ctx, "job/j1/broken", failing)
	require.Error(t, err)

	_, err = store.Stat(ctx, "job/j1/broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }
