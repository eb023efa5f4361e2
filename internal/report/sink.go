package report

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores a report.
type Sink interface {
	Write(ctx context.Context, r *Report) error
	// Location names where the report goes.
	Location() string
}

// S3Config holds the bucket connection settings. Empty credentials fall back
// to the default AWS chain.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Open returns the sink for target: an s3://bucket/key url or a file path.
func Open(ctx context.Context, target string, cfg S3Config) (Sink, error) {
	if strings.HasPrefix(target, "s3://") {
		return NewS3Sink(ctx, target, cfg)
	}
	if target == "" {
		return nil, fmt.Errorf("report target not specified")
	}
	return &FileSink{Path: target}, nil
}

// FileSink writes the report to a local file.
type FileSink struct {
	Path string
}

// Location implements Sink.
func (s *FileSink) Location() string {
	return s.Path
}

// Write implements Sink. The file is replaced atomically.
func (s *FileSink) Write(_ context.Context, r *Report) error {
	var buf bytes.Buffer
	if err := r.Encode(&buf); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// S3Sink uploads the report to an S3-compatible bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	key    string
}

// NewS3Sink parses an s3://bucket/key target and builds the client.
func NewS3Sink(ctx context.Context, target string, cfg S3Config) (*S3Sink, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid report target %q: %w", target, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return nil, fmt.Errorf("invalid report target %q: want s3://bucket/key", target)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		// S3-compatible stores do not all accept streamed checksum trailers
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Sink{client: client, bucket: u.Host, key: key}, nil
}

// Location implements Sink.
func (s *S3Sink) Location() string {
	return "s3://" + s.bucket + "/" + s.key
}

// Write implements Sink.
func (s *S3Sink) Write(ctx context.Context, r *Report) error {
	var buf bytes.Buffer
	if err := r.Encode(&buf); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload report to %s: %w", s.Location(), err)
	}
	return nil
}
