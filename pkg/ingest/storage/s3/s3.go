package s3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

const (
	backendName = "s3"
	checksumKey = "content-md5"
)

// Config options for the S3 backend
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)
	KeyPrefix       string // Optional prefix prepended to every canonical path
	PublicBaseURL   string // Optional base URL objects are publicly served from

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool // Create bucket if it doesn't exist
}

// objectAPI is the subset of the S3 client the backend uses
type objectAPI interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Backend is an S3-compatible implementation of the ingest.Storage interface
type Backend struct {
	client   objectAPI
	uploader *manager.Uploader
	bucket   string
	config   Config
}

// New creates a new S3-compatible storage backend
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.AccessKeyID,
			config.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	backend := newWithClient(s3.NewFromConfig(awsCfg, s3Options...), config)

	if config.CreateBucketIfNotExist {
		if err := backend.createBucketIfNotExists(ctx); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return backend, nil
}

func newWithClient(client objectAPI, config Config) *Backend {
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	return &Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   config.Bucket,
		config:   config,
	}
}

var _ ingest.Storage = (*Backend)(nil)

// createBucketIfNotExists creates the bucket if it doesn't exist
func (b *Backend) createBucketIfNotExists(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) &&
		!strings.Contains(err.Error(), "BadRequest") &&
		!strings.Contains(err.Error(), "NoSuchBucket") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	}
	if b.config.Region != "us-east-1" {
		createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}

	if _, err = b.client.CreateBucket(ctx, createInput); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) &&
			(apiErr.ErrorCode() == "BucketAlreadyExists" || apiErr.ErrorCode() == "BucketAlreadyOwnedByYou") {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// PathFor returns the object key of a representation, key prefix included
func (b *Backend) PathFor(filename string, rep ingest.Representation) (string, error) {
	p, err := ingest.PathFor(filename, rep)
	if err != nil {
		return "", err
	}
	if prefix := strings.Trim(b.config.KeyPrefix, "/"); prefix != "" {
		p = prefix + "/" + p
	}
	return p, nil
}

// Store uploads localPath to canonicalPath. An object already holding the
// same bytes is left untouched.
func (b *Backend) Store(ctx context.Context, localPath, canonicalPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return b.wrap("store", canonicalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return b.wrap("store", canonicalPath, err)
	}
	sum, err := checksum(f)
	if err != nil {
		return b.wrap("store", canonicalPath, err)
	}

	head, err := b.head(ctx, canonicalPath)
	if err != nil {
		return b.wrap("store", canonicalPath, err)
	}
	if head != nil && aws.ToInt64(head.ContentLength) == info.Size() && metaValue(head.Metadata, checksumKey) == sum {
		return nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return b.wrap("store", canonicalPath, err)
	}

	input := &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(canonicalPath),
		Body:     f,
		Metadata: map[string]string{checksumKey: sum},
	}
	b.applySSE(input)

	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return b.wrap("store", canonicalPath, fmt.Errorf("failed to upload to S3: %w", err))
	}
	return nil
}

func (b *Backend) applySSE(input *s3.PutObjectInput) {
	if !b.config.EnableSSE {
		return
	}
	switch b.config.SSEAlgorithm {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if b.config.SSEKMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
		}
	}
}

// Delete deletes content from S3. S3 treats a missing key as success.
func (b *Backend) Delete(ctx context.Context, canonicalPath string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(canonicalPath),
	})
	if err != nil && !isNotFound(err) {
		return b.wrap("delete", canonicalPath, fmt.Errorf("failed to delete from S3: %w", err))
	}
	return nil
}

// Download streams the object body. The caller closes it.
func (b *Backend) Download(ctx context.Context, canonicalPath string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(canonicalPath),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, b.wrap("download", canonicalPath, ingest.ErrRepresentationMissing)
		}
		return nil, b.wrap("download", canonicalPath, fmt.Errorf("failed to download object: %w", err))
	}
	return out.Body, nil
}

// Exists reports whether the object is present
func (b *Backend) Exists(ctx context.Context, canonicalPath string) (bool, error) {
	head, err := b.head(ctx, canonicalPath)
	if err != nil {
		return false, b.wrap("exists", canonicalPath, err)
	}
	return head != nil, nil
}

// head returns nil without error when the object does not exist
func (b *Backend) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return out, nil
}

// PublicURI builds the object URL from the public base URL, the custom
// endpoint or the regional AWS host, in that order.
func (b *Backend) PublicURI(canonicalPath string) (string, error) {
	key := escapeKey(strings.TrimLeft(canonicalPath, "/"))

	if base := strings.TrimRight(b.config.PublicBaseURL, "/"); base != "" {
		return base + "/" + key, nil
	}

	if b.config.Endpoint != "" {
		u, err := url.Parse(b.config.Endpoint)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid endpoint %q", b.config.Endpoint)
		}
		if b.config.UsePathStyle {
			return fmt.Sprintf("%s://%s/%s/%s", u.Scheme, u.Host, b.bucket, key), nil
		}
		return fmt.Sprintf("%s://%s.%s/%s", u.Scheme, b.bucket, u.Host, key), nil
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", b.bucket, b.config.Region, key), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func checksum(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (b *Backend) wrap(op, key string, err error) error {
	return &ingest.StorageError{Backend: backendName, Key: key, Op: op, Err: err}
}
