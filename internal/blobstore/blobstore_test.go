package blobstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Minimal valid headers; mimetype only looks at the leading bytes.
var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}
	webpHeader = []byte("RIFF\x24\x00\x00\x00WEBPVP8 ")
)

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	s, err := NewDiskStore(t.TempDir(), "http://localhost:8080/blobs/")
	require.NoError(t, err)
	s.now = func() time.Time { return time.UnixMilli(1767225600000) }
	return s
}

func TestPut_StoresUnderOrderDir(t *testing.T) {
	s := newTestStore(t)

	url, err := s.Put(context.Background(), "order-1", bytes.NewReader(pngHeader), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/blobs/order-1/1767225600000.png", url)

	got, err := os.ReadFile(filepath.Join(s.Dir(), "order-1", "1767225600000.png"))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, got)

	entries, _ := os.ReadDir(filepath.Join(s.Dir(), "order-1"))
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		declared string
		wantExt  string
		wantErr  error
	}{
		{"png", pngHeader, "image/png", ".png", nil},
		{"jpeg", jpegHeader, "image/jpeg", ".jpg", nil},
		{"jpg alias", jpegHeader, "image/jpg", ".jpg", nil},
		{"webp", webpHeader, "image/webp", ".webp", nil},
		{"declared with params", pngHeader, "image/png; charset=binary", ".png", nil},
		{"png declared as jpeg", pngHeader, "image/jpeg", "", ErrTypeMismatch},
		{"text", []byte("hello world"), "text/plain", "", ErrUnsupportedType},
		{"text declared as png", []byte("hello world"), "image/png", "", ErrUnsupportedType},
		{"gif", []byte("GIF89a\x01\x00\x01\x00"), "image/gif", "", ErrUnsupportedType},
		{"missing declared type", pngHeader, "", "", ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ext, err := Classify(tt.data, tt.declared)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExt, ext)
		})
	}
}

func TestPut_Limits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "order-1", bytes.NewReader(nil), "image/png")
	assert.ErrorIs(t, err, ErrEmpty)

	big := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, MaxSize)...)
	_, err = s.Put(ctx, "order-1", bytes.NewReader(big), "image/png")
	assert.ErrorIs(t, err, ErrTooLarge)

	exact := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, MaxSize-len(pngHeader))...)
	_, err = s.Put(ctx, "order-1", bytes.NewReader(exact), "image/png")
	assert.NoError(t, err, "exactly 5MB is accepted")
}

func TestPut_RejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"", "../etc", "a/b", `a\b`} {
		_, err := s.Put(context.Background(), key, strings.NewReader("x"), "image/png")
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, os.RemoveAll(s.Dir()))
	assert.Error(t, s.Ping(context.Background()))
}
