package provider

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/openlearnhq/coursemedia/pkg/logger"
	"github.com/openlearnhq/coursemedia/pkg/upload"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// DefaultPartSize is the fixed part size handed to clients streaming
// chunks through the resumable-session endpoints.
const DefaultPartSize = 10 * 1024 * 1024 // 10 MiB

// S3API is the slice of the S3 client used for upload orchestration.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// ObjectStoreConfig configures the object-store backend.
type ObjectStoreConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`

	// PublicBaseURL is the retrieval prefix for finished assets
	// (typically a CDN in front of the bucket).
	PublicBaseURL string `mapstructure:"public_base_url"`

	// PartSize handed to resumable-session clients.
	PartSize int64 `mapstructure:"part_size"`
}

// DefaultObjectStoreConfig returns sensible defaults.
func DefaultObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		Region:   "us-east-1",
		PartSize: DefaultPartSize,
	}
}

// ObjectStore initializes uploads against a generic S3-compatible blob
// store and carries the multipart mechanics (part append, completion,
// abort) the session manager drives.
type ObjectStore struct {
	api S3API
	cfg ObjectStoreConfig
}

var _ Provider = (*ObjectStore)(nil)

// NewObjectStore creates the object-store provider with an existing
// S3 client (see NewS3Client).
func NewObjectStore(api S3API, cfg ObjectStoreConfig) *ObjectStore {
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	return &ObjectStore{api: api, cfg: cfg}
}

func (o *ObjectStore) Kind() upload.ProviderKind {
	return upload.ProviderObjectStore
}

// PartSize returns the fixed part size handed to session clients.
func (o *ObjectStore) PartSize() int64 {
	return o.cfg.PartSize
}

// IsAvailable checks the bucket is configured and reachable.
func (o *ObjectStore) IsAvailable(ctx context.Context) bool {
	if o.cfg.Bucket == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := o.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(o.cfg.Bucket),
	})
	if err != nil {
		logger.Debug().Err(err).Str("bucket", o.cfg.Bucket).Msg("provider: object store unreachable")
		return false
	}
	return true
}

// InitUpload generates an object key under the resource folder and
// opens a multipart upload against it.
func (o *ObjectStore) InitUpload(ctx context.Context, req InitRequest) (*InitResult, error) {
	key := objectKey(req.ResourceFolder, req.Filename)

	out, err := o.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(o.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(req.MimeType),
	})
	if err != nil {
		return nil, fmt.Errorf("object store create multipart upload: %w", err)
	}

	logger.Debug().
		Str("key", key).
		Str("multipart_id", aws.ToString(out.UploadId)).
		Msg("provider: opened multipart upload")

	return &InitResult{
		Provider:          upload.ProviderObjectStore,
		FileKey:           key,
		MultipartUploadID: aws.ToString(out.UploadId),
		PartSize:          o.cfg.PartSize,
	}, nil
}

// UploadChunk stores one multipart part and returns its ETag.
func (o *ObjectStore) UploadChunk(ctx context.Context, fileKey, multipartID string, partNumber int32, chunk []byte) (string, error) {
	out, err := o.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(o.cfg.Bucket),
		Key:        aws.String(fileKey),
		UploadId:   aws.String(multipartID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(chunk),
	})
	if err != nil {
		return "", fmt.Errorf("object store upload part %d: %w", partNumber, err)
	}
	return aws.ToString(out.ETag), nil
}

// CompleteUpload finalizes the multipart upload with the accumulated
// parts and returns the retrieval URL.
func (o *ObjectStore) CompleteUpload(ctx context.Context, fileKey, multipartID string, parts []upload.Part) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.Number),
			ETag:       aws.String(p.ETag),
		})
	}

	_, err := o.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(o.cfg.Bucket),
		Key:      aws.String(fileKey),
		UploadId: aws.String(multipartID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("object store complete multipart upload: %w", err)
	}

	return o.URLFor(fileKey), nil
}

// AbortUpload discards an open multipart upload.
func (o *ObjectStore) AbortUpload(ctx context.Context, fileKey, multipartID string) error {
	_, err := o.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(o.cfg.Bucket),
		Key:      aws.String(fileKey),
		UploadId: aws.String(multipartID),
	})
	return err
}

// URLFor resolves the public retrieval URL for an object key.
func (o *ObjectStore) URLFor(key string) string {
	if o.cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(o.cfg.PublicBaseURL, "/") + "/" + key
	}
	if o.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(o.cfg.Endpoint, "/"), o.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", o.cfg.Bucket, o.cfg.Region, key)
}

// objectKey builds a unique object key under the resource folder,
// preserving the original file extension.
func objectKey(folder, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	folder = strings.Trim(folder, "/")
	if folder == "" {
		folder = "videos"
	}
	return folder + "/" + uuid.New().String() + ext
}
