// Package blob stores uploaded images on disk, addressed by content hash.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound        = errors.New("blob not found")
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrInvalidKey      = errors.New("invalid blob key")
	errEmptyBlob       = errors.New("empty blob")
)

var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}\.[a-z]+$`)

// Image types accepted for upload and the extension each is stored under
var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store is a content-addressed directory of blobs. Keys are the hex BLAKE3-256
// of the content plus an extension, so storing the same bytes twice is a no-op.
type Store struct {
	dir     string
	baseURL string
}

// NewStore creates the directory if needed. baseURL is the public prefix blobs
// are served under, e.g. "https://draw.example.com/blobs".
func NewStore(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Supported reports whether contentType can be stored
func Supported(contentType string) bool {
	_, ok := extensions[mediaType(contentType)]
	return ok
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// Key returns the key data would be stored under
func Key(data []byte, contentType string) (string, error) {
	ext, ok := extensions[mediaType(contentType)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]) + ext, nil
}

// Put stores data and returns its public URL
func (s *Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errEmptyBlob
	}
	key, err := Key(data, contentType)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, key)
	if _, err := os.Stat(path); err == nil {
		return s.URL(key), nil
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("storing blob: %w", err)
	}

	return s.URL(key), nil
}

func (s *Store) URL(key string) string {
	return s.baseURL + "/" + key
}

// Open returns the blob for reading. The caller closes it.
func (s *Store) Open(key string) (*os.File, error) {
	if !keyPattern.MatchString(key) {
		return nil, ErrInvalidKey
	}
	f, err := os.Open(filepath.Join(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}
