// Package blobstore stores delivery-proof photos on local disk and hands
// back the public URL they are served under.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// MaxSize is the largest accepted upload.
const MaxSize = 5 << 20

var (
	ErrEmpty           = errors.New("blobstore: file is empty")
	ErrTooLarge        = errors.New("blobstore: file exceeds 5MB")
	ErrUnsupportedType = errors.New("blobstore: only JPEG, PNG and WebP images are accepted")
	ErrTypeMismatch    = errors.New("blobstore: declared content type does not match file contents")
	ErrInvalidKey      = errors.New("blobstore: invalid object key")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Store saves uploads.
type Store interface {
	// Put stores the upload for an order and returns its public URL.
	Put(ctx context.Context, orderID string, r io.Reader, declaredType string) (string, error)
}

// DiskStore writes uploads under a directory that the HTTP server exposes
// at baseURL.
type DiskStore struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// NewDiskStore creates dir if needed.
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DiskStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}, nil
}

// Dir is the directory to serve statically.
func (s *DiskStore) Dir() string { return s.dir }

// Put validates and writes an upload. The object is named
// <orderID>/<unix millis><ext>, with the extension taken from the sniffed
// type.
func (s *DiskStore) Put(ctx context.Context, orderID string, r io.Reader, declaredType string) (string, error) {
	if orderID == "" || strings.ContainsAny(orderID, `/\`) || strings.Contains(orderID, "..") {
		return "", ErrInvalidKey
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxSize {
		return "", ErrTooLarge
	}

	_, ext, err := Classify(data, declaredType)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%d%s", s.now().UnixMilli(), ext)
	dir := filepath.Join(s.dir, orderID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create order dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}

	return s.baseURL + "/" + path.Join(orderID, name), nil
}

// Classify sniffs data and checks it against the declared content type.
// It returns the sniffed type and its file extension.
func Classify(data []byte, declaredType string) (string, string, error) {
	sniffed := mimetype.Detect(data).String()
	if base, _, err := mime.ParseMediaType(sniffed); err == nil {
		sniffed = base
	}
	ext, ok := extensions[sniffed]
	if !ok {
		return "", "", ErrUnsupportedType
	}

	declared := normalizeType(declaredType)
	if _, ok := extensions[declared]; !ok {
		return "", "", ErrUnsupportedType
	}
	if declared != sniffed {
		return "", "", ErrTypeMismatch
	}
	return sniffed, ext, nil
}

func normalizeType(t string) string {
	if base, _, err := mime.ParseMediaType(t); err == nil {
		t = base
	}
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "image/jpg" || t == "image/pjpeg" {
		return "image/jpeg"
	}
	return t
}

// Ping checks that the blob directory is still there.
func (s *DiskStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

var _ Store = (*DiskStore)(nil)
