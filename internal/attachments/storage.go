// Package attachments hands out presigned URLs for attachment objects in an
// S3 compatible bucket. The server never reads attachment bodies; clients
// upload and download directly and carry the object name inside their
// encrypted payloads.
package attachments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"mensageria/internal/errs"
)

const DefaultExpiry = 15 * time.Minute

type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Expiry    time.Duration
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

type Storage struct {
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
	now     func() time.Time
}

func New(ctx context.Context, cfg Config) (*Storage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Storage{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		expiry:  expiry,
		now:     time.Now,
	}, nil
}

// UploadURL allocates a new object name owned by ownerID and returns it with
// a presigned PUT URL.
func (s *Storage) UploadURL(ctx context.Context, ownerID string) (string, string, error) {
	d := s.now().UTC()
	name := fmt.Sprintf("attachments/%s/%d/%02d/%02d/%s", ownerID, d.Year(), d.Month(), d.Day(), uuid.NewString())

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", "", fmt.Errorf("presign upload: %w", err)
	}
	return name, req.URL, nil
}

// DownloadURL returns a presigned GET URL for name.
func (s *Storage) DownloadURL(ctx context.Context, name string) (string, error) {
	if !strings.HasPrefix(name, "attachments/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: attachment %q", errs.ErrNotFound, name)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return req.URL, nil
}
