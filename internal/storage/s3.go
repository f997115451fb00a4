package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

const (
	// Outputs at or above this size, or of unknown size, go through the multipart uploader
	multipartThreshold   = 100 * 1024 * 1024
	multipartPartSize    = 16 * 1024 * 1024
	multipartConcurrency = 5

	defaultS3Region  = "us-east-1"
	bucketCheckLimit = 10 * time.Second
)

const parquetContentType = "application/vnd.apache.parquet"

// S3Config describes an S3 or S3-compatible (MinIO) destination
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // host[:port] or URL of an S3-compatible server
	AccessKey string
	SecretKey string
	UseSSL    bool // scheme for an Endpoint given without one
	PathStyle bool
}

// S3Backend publishes objects into a single bucket
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	region   string
	logger   zerolog.Logger
}

// NewS3Backend builds the client and checks that the bucket is reachable, so a
// misconfigured destination fails before the input is read.
func NewS3Backend(ctx context.Context, cfg *S3Config, logger zerolog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket name is required")
	}
	log := logger.With().Str("component", "s3-storage").Str("bucket", cfg.Bucket).Logger()

	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if creds := staticS3Credentials(cfg); creds != nil {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
		log.Debug().Msg("Using static S3 credentials")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	checkCtx, cancel := context.WithTimeout(ctx, bucketCheckLimit)
	defer cancel()
	if _, err := client.HeadBucket(checkCtx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %s: %w", cfg.Bucket, err)
	}

	log.Info().Str("region", region).Str("endpoint", endpoint).Msg("S3 bucket reachable")

	return &S3Backend{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = multipartPartSize
			u.Concurrency = multipartConcurrency
		}),
		bucket: cfg.Bucket,
		region: region,
		logger: log,
	}, nil
}

// staticS3Credentials returns nil when the SDK default chain should be used
func staticS3Credentials(cfg *S3Config) aws.CredentialsProvider {
	key, secret := cfg.AccessKey, cfg.SecretKey
	if key == "" {
		key = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if secret == "" {
		secret = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if key == "" || secret == "" {
		return nil
	}
	return credentials.NewStaticCredentialsProvider(key, secret, "")
}

// normalizeEndpoint adds a scheme to a bare host
func normalizeEndpoint(endpoint string, useSSL bool) string {
	switch {
	case endpoint == "":
		return ""
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return endpoint
	case useSSL:
		return "https://" + endpoint
	default:
		return "http://" + endpoint
	}
}

func objectKey(path string) string {
	return strings.TrimPrefix(path, "/")
}

func contentTypeFor(path string) string {
	if strings.HasSuffix(path, ".parquet") {
		return parquetContentType
	}
	return "application/octet-stream"
}

// WriteReader uploads reader as one object. size < 0 means unknown.
func (b *S3Backend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	key := objectKey(path)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        reader,
		ContentType: aws.String(contentTypeFor(key)),
	}

	multipart := size < 0 || size >= multipartThreshold
	var err error
	if multipart {
		_, err = b.uploader.Upload(ctx, input)
	} else {
		input.ContentLength = aws.Int64(size)
		_, err = b.client.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", b.bucket, key, err)
	}

	b.logger.Debug().
		Str("key", key).
		Int64("size", size).
		Bool("multipart", multipart).
		Dur("duration", time.Since(start)).
		Msg("Uploaded object")
	return nil
}

func (b *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey(path)),
	})
	switch {
	case err == nil:
		return true, nil
	case isS3NotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat s3://%s/%s: %w", b.bucket, objectKey(path), err)
	}
}

// isS3NotFound reports whether err means the object does not exist.
// HeadObject returns a bare 404 without the NoSuchKey code.
func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
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

// Close is a no-op; the SDK client holds no resources that need releasing
func (b *S3Backend) Close() error {
	return nil
}

func (b *S3Backend) GetBucket() string {
	return b.bucket
}

// Location returns the s3:// URL of path
func (b *S3Backend) Location(path string) string {
	return "s3://" + b.bucket + "/" + objectKey(path)
}

func (b *S3Backend) Type() string {
	return "s3"
}
