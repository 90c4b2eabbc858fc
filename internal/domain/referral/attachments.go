package referral

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/homecare/referrals/internal/platform/blobstore"
)

const maxUploadConcurrency = 4

// Attacher moves validated attachments into the blob namespace.
type Attacher struct {
	store blobstore.BlobStore
}

func NewAttacher(store blobstore.BlobStore) *Attacher {
	return &Attacher{store: store}
}

// Upload stores every non-empty file under referrals/<referralID>/ and
// returns one Document per file: referral documents first, then progress
// notes, each group in submission order. Either every file is stored or
// none is: on the first failure the blobs already written are removed and
// an *AttachmentUploadError is returned.
func (a *Attacher) Upload(ctx context.Context, referralID string, files []Attachment) ([]Document, error) {
	files = orderAttachments(nonEmpty(files))
	docs := make([]Document, len(files))
	if len(files) == 0 {
		return docs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxUploadConcurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			key := blobKey(referralID, f.Name)
			meta, err := a.store.Upload(gctx, blobstore.BlobMetadata{
				Key:         key,
				FileName:    f.Name,
				ContentType: f.ContentType,
			}, bytes.NewReader(f.Data))
			if err != nil {
				return &AttachmentUploadError{Name: f.Name, Err: err}
			}
			docs[i] = Document{ID: meta.Key, Name: f.Name, URL: a.store.URL(meta.Key), Size: meta.Size}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Cleanup must outlive a cancelled request context.
		a.Discard(context.WithoutCancel(ctx), docs)
		return nil, err
	}
	return docs, nil
}

// Discard deletes the blobs behind docs, ignoring failures. Zero-value
// entries are skipped.
func (a *Attacher) Discard(ctx context.Context, docs []Document) {
	for _, d := range docs {
		if d.ID == "" {
			continue
		}
		_ = a.store.Delete(ctx, d.ID)
	}
}

func orderAttachments(files []Attachment) []Attachment {
	rank := func(f Attachment) int {
		if f.Field == FieldProgressNotes {
			return 1
		}
		return 0
	}
	sort.SliceStable(files, func(i, j int) bool { return rank(files[i]) < rank(files[j]) })
	return files
}

func blobKey(referralID, name string) string {
	return fmt.Sprintf("referrals/%s/%s-%s", referralID, uuid.NewString(), sanitizeFileName(name))
}

// sanitizeFileName keeps letters, digits, dot, dash and underscore so the
// name is safe as the last segment of a blob key.
func sanitizeFileName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)),
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	if out == "" {
		return "file"
	}
	return out
}
