/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/config"
)

// S3Storage implements Storage using S3-compatible object storage
// (AWS S3, MinIO, Garage).
type S3Storage struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
	logger        zerolog.Logger
}

// NewS3Storage creates an S3-based storage backend from configuration.
func NewS3Storage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*S3Storage, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("s3 storage requires a bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	publicBase := cfg.S3PublicBaseURL
	if publicBase == "" && cfg.S3Endpoint != "" {
		publicBase = strings.TrimSuffix(cfg.S3Endpoint, "/") + "/" + cfg.S3Bucket
	}

	return &S3Storage{
		client:        client,
		bucket:        cfg.S3Bucket,
		publicBaseURL: publicBase,
		logger:        logger.With().Str("component", "media_s3").Logger(),
	}, nil
}

// Store uploads an artifact.
func (s *S3Storage) Store(ctx context.Context, playlistID, name string, file io.Reader) (string, error) {
	key := buildArtifactPath(playlistID, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	s.logger.Debug().Str("key", key).Str("playlist_id", playlistID).Msg("artifact uploaded")
	return key, nil
}

// Delete removes an artifact from the bucket.
func (s *S3Storage) Delete(ctx context.Context, storedPath string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storedPath),
	})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil
	}
	return err
}

// URL returns the public URL for a stored artifact.
func (s *S3Storage) URL(storedPath string) string {
	return s.publicBaseURL + "/" + storedPath
}

// CheckAccess verifies the bucket is reachable.
func (s *S3Storage) CheckAccess(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}
