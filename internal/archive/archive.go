// Package archive keeps attachments that are too large for Telegram in
// S3-compatible object storage and hands out time-limited links to them.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	mailmime "github.com/nhle/mailgram/internal/mime"
)

// maxLinkExpiry is the longest validity S3 accepts for a presigned URL.
const maxLinkExpiry = 7 * 24 * time.Hour

// Config describes the bucket attachments are archived to. Keys are read
// from the environment variables named here, never from the config file.
type Config struct {
	Endpoint     string
	AccessKeyEnv string
	SecretKeyEnv string
	Bucket       string
	Region       string
	Prefix       string
	UseSSL       bool
	LinkExpiry   time.Duration
}

// Service uploads parts and presigns download links.
type Service struct {
	minio  *minio.Client
	bucket string
	prefix string
	expiry time.Duration
}

// NewService creates a Service. It does not contact the server.
func NewService(cfg Config) (*Service, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive endpoint and bucket are required")
	}

	accessKeyID := os.Getenv(cfg.AccessKeyEnv)
	secretAccessKey := os.Getenv(cfg.SecretKeyEnv)

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	}

	minioClient, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	expiry := cfg.LinkExpiry
	if expiry <= 0 || expiry > maxLinkExpiry {
		expiry = maxLinkExpiry
	}

	return &Service{
		minio:  minioClient,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		expiry: expiry,
	}, nil
}

// Store uploads the part under key and returns a presigned GET URL.
func (s *Service) Store(ctx context.Context, key string, p mailmime.Part) (string, error) {
	name := path.Join(s.prefix, key)

	opts := minio.PutObjectOptions{
		ContentType: p.MIMEType,
	}
	if p.Filename != "" {
		opts.UserMetadata = map[string]string{"Filename": p.Filename}
	}

	_, err := s.minio.PutObject(ctx, s.bucket, name, bytes.NewReader(p.Content), int64(len(p.Content)), opts)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}

	params := url.Values{}
	if p.Filename != "" {
		params.Set("response-content-disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": p.Filename}))
	}

	u, err := s.minio.PresignedGetObject(ctx, s.bucket, name, s.expiry, params)
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", name, err)
	}
	return u.String(), nil
}
