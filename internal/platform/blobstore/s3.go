package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the slice of *s3.Client the store calls.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

const metaFileName = "file-name"

// S3BlobStore keeps blobs in one bucket.
type S3BlobStore struct {
	client  s3API
	bucket  string
	baseURL string
}

// S3Config selects the bucket and how public URLs are formed.
type S3Config struct {
	Bucket string
	// Endpoint overrides the AWS endpoint, e.g. MinIO or LocalStack.
	Endpoint string
	// PublicBaseURL, when set, replaces the computed bucket URL (CDN).
	PublicBaseURL string
}

// NewS3Client builds a path-style S3 client from the default AWS config
// chain.
func NewS3Client(ctx context.Context, endpoint string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func NewS3BlobStore(client s3API, cfg S3Config) *S3BlobStore {
	base := cfg.PublicBaseURL
	if base == "" {
		if cfg.Endpoint != "" {
			base = joinURL(cfg.Endpoint, cfg.Bucket)
		} else {
			base = fmt.Sprintf("https://%s.s3.amazonaws.com", cfg.Bucket)
		}
	}
	return &S3BlobStore{client: client, bucket: cfg.Bucket, baseURL: base}
}

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
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

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(meta.Key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{metaFileName: url.QueryEscape(meta.FileName)},
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.Key, err)
	}

	meta.Size = int64(len(data))
	meta.CreatedAt = time.Now().UTC()
	return &meta, nil
}

func (s *S3BlobStore) Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, s.mapErr(key, err)
	}
	meta := &BlobMetadata{
		Key:         key,
		FileName:    fileNameFrom(out.Metadata, key),
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		meta.CreatedAt = out.LastModified.UTC()
	}
	return out.Body, meta, nil
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, key string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.mapErr(key, err)
	}
	meta := &BlobMetadata{
		Key:         key,
		FileName:    fileNameFrom(out.Metadata, key),
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		meta.CreatedAt = out.LastModified.UTC()
	}
	return meta, nil
}

// Delete removes key. S3 deletes are idempotent, so a missing key is not an
// error here.
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *S3BlobStore) URL(key string) string {
	return joinURL(s.baseURL, key)
}

func (s *S3BlobStore) mapErr(key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return ErrBlobNotFound
	}
	return fmt.Errorf("read object %s: %w", key, err)
}

func fileNameFrom(md map[string]string, key string) string {
	if v, ok := md[metaFileName]; ok {
		if name, err := url.QueryUnescape(v); err == nil && name != "" {
			return name
		}
	}
	return key
}
