// Package objstore provides an S3-compatible object storage client used for
// feature probing. Asset management itself lives outside the ingestion
// worker; the worker only reports whether the configured bucket is reachable.
package objstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tidewave-analytics/tidewave/pkg/config"
)

// Client wraps an S3 client scoped to a single bucket.
type Client struct {
	s3     *s3.Client
	bucket string
	logger *slog.Logger
}

// New builds the S3 client from the ambient AWS credential chain. A custom
// endpoint switches to path-style addressing for MinIO-style deployments.
func New(ctx context.Context, cfg config.ObjectStorageConfig) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Client{
		s3:     client,
		bucket: cfg.Bucket,
		logger: slog.Default().With("component", "objstore", "bucket", cfg.Bucket),
	}, nil
}

// Probe checks that the configured bucket is reachable.
func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("probing bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}
