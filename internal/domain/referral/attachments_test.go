package referral

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/homecare/referrals/internal/platform/blobstore"
)

// flakyStore fails uploads whose file name matches failOn.
type flakyStore struct {
	*blobstore.InMemoryBlobStore
	failOn string

	mu      sync.Mutex
	deleted []string
}

func (s *flakyStore) Upload(ctx context.Context, meta blobstore.BlobMetadata, r io.Reader) (*blobstore.BlobMetadata, error) {
	if s.failOn != "" && meta.FileName == s.failOn {
		return nil, errors.New("bucket unavailable")
	}
	return s.InMemoryBlobStore.Upload(ctx, meta, r)
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, key)
	s.mu.Unlock()
	return s.InMemoryBlobStore.Delete(ctx, key)
}

func newFlakyStore(failOn string) *flakyStore {
	return &flakyStore{InMemoryBlobStore: blobstore.NewInMemoryBlobStore("http://localhost/files"), failOn: failOn}
}

func TestAttacher_UploadOrder(t *testing.T) {
	store := newFlakyStore("")
	a := NewAttacher(store)
	files := []Attachment{
		{Field: FieldProgressNotes, Name: "note-1.pdf", ContentType: "application/pdf", Data: pdfBytes},
		{Field: FieldReferralDocuments, Name: "referral.pdf", ContentType: "application/pdf", Data: pdfBytes},
		{Field: FieldProgressNotes, Name: "empty.pdf"},
		{Field: FieldProgressNotes, Name: "note-2.pdf", ContentType: "application/pdf", Data: pdfBytes},
	}

	docs, err := a.Upload(context.Background(), "TX-1", files)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := []string{"referral.pdf", "note-1.pdf", "note-2.pdf"}
	if len(docs) != len(want) {
		t.Fatalf("expected %d documents, got %d", len(want), len(docs))
	}
	for i, d := range docs {
		if d.Name != want[i] {
			t.Errorf("doc %d = %q, want %q", i, d.Name, want[i])
		}
		if !strings.HasPrefix(d.ID, "referrals/TX-1/") {
			t.Errorf("unexpected key %q", d.ID)
		}
		if d.URL != store.URL(d.ID) {
			t.Errorf("unexpected url %q", d.URL)
		}
		if d.Size != int64(len(pdfBytes)) {
			t.Errorf("unexpected size %d", d.Size)
		}
	}
	if store.Len() != 3 {
		t.Errorf("expected 3 blobs, got %d", store.Len())
	}
}

func TestAttacher_UploadNothing(t *testing.T) {
	docs, err := NewAttacher(newFlakyStore("")).Upload(context.Background(), "TX-1", nil)
	if err != nil || docs == nil || len(docs) != 0 {
		t.Errorf("expected empty non-nil docs, got %v, %v", docs, err)
	}
}

func TestAttacher_UploadFailureCleansUp(t *testing.T) {
	store := newFlakyStore("bad.pdf")
	a := NewAttacher(store)
	files := []Attachment{
		{Field: FieldReferralDocuments, Name: "good-1.pdf", ContentType: "application/pdf", Data: pdfBytes},
		{Field: FieldReferralDocuments, Name: "bad.pdf", ContentType: "application/pdf", Data: pdfBytes},
		{Field: FieldProgressNotes, Name: "good-2.pdf", ContentType: "application/pdf", Data: pdfBytes},
	}

	_, err := a.Upload(context.Background(), "TX-1", files)
	var uerr *AttachmentUploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected AttachmentUploadError, got %v", err)
	}
	if uerr.Name != "bad.pdf" || !uerr.Retryable() {
		t.Errorf("unexpected error %+v", uerr)
	}
	if store.Len() != 0 {
		t.Errorf("expected every stored blob to be removed, %d left", store.Len())
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := map[string]string{
		"referral.pdf":            "referral.pdf",
		`C:\Users\maria\scan.png`: "scan.png",
		"../../etc/passwd":        "passwd",
		"wound care (1).jpg":      "wound-care--1-.jpg",
		"résumé.pdf":              "r-sum-.pdf",
		"...":                     "file",
		"":                        "file",
	}
	for in, want := range tests {
		if got := sanitizeFileName(in); got != want {
			t.Errorf("sanitizeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}
