// Package blobstore stores attachment binaries outside the referral record.
// Blobs are addressed by caller-chosen keys and exposed through a stable
// public URL. Backends: in-memory for development and tests, S3 for
// everything else.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingKey      = errors.New("blob key is required")
	ErrMissingFileName = errors.New("file name is required")
)

// MaxFileSize caps a single blob (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Key         string    `json:"key"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is the contract every backend implements.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, key string) error
	GetMetadata(ctx context.Context, key string) (*BlobMetadata, error)
	// URL returns the public address of key. It does not check existence.
	URL(key string) string
}

func validate(meta BlobMetadata) error {
	if meta.Key == "" {
		return ErrMissingKey
	}
	if meta.FileName == "" {
		return ErrMissingFileName
	}
	return nil
}

func joinURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe BlobStore for tests and development.
// Its URLs point at the download route of BlobHandler.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
}

// NewInMemoryBlobStore returns a store whose URLs are rooted at baseURL,
// for example "http://localhost:8000/api/v1/files".
func NewInMemoryBlobStore(baseURL string) *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs:   make(map[string]*storedBlob),
		baseURL: baseURL,
	}
}

// Upload reads the content, hashes it, and stores it under meta.Key,
// replacing any previous blob with that key.
func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if err := validate(meta); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()
	if meta.ContentType == "" {
		meta.ContentType = http.DetectContentType(data)
	}

	s.mu.Lock()
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, key string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

func (s *InMemoryBlobStore) URL(key string) string {
	return joinURL(s.baseURL, key)
}

// Len reports how many blobs are stored.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// BlobHandler serves blob downloads over HTTP. Only the in-memory backend
// needs it; S3 objects are fetched from the bucket directly.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts GET /files/* on g. The wildcard is the blob key.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/files/*", h.handleDownload)
	g.HEAD("/files/*", h.handleMetadata)
}

func blobKey(c echo.Context) (string, error) {
	key, err := url.PathUnescape(c.Param("*"))
	if err != nil || key == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid blob key")
	}
	return key, nil
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	key, err := blobKey(c)
	if err != nil {
		return err
	}

	rc, meta, err := h.store.Download(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read file")
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", contentDisposition(meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

// contentDisposition quotes the stored file name, which comes from the
// uploader, so quotes and non-ASCII names cannot break the header.
func contentDisposition(fileName string) string {
	if fileName == "" {
		return "inline"
	}
	if v := mime.FormatMediaType("inline", map[string]string{"filename": fileName}); v != "" {
		return v
	}
	return "inline"
}

func (h *BlobHandler) handleMetadata(c echo.Context) error {
	key, err := blobKey(c)
	if err != nil {
		return err
	}

	meta, err := h.store.GetMetadata(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.NoContent(http.StatusNotFound)
		}
		return c.NoContent(http.StatusInternalServerError)
	}
	c.Response().Header().Set(echo.HeaderContentType, meta.ContentType)
	c.Response().Header().Set(echo.HeaderContentLength, fmt.Sprintf("%d", meta.Size))
	return c.NoContent(http.StatusOK)
}
