package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/testplane/testplane/pkg/config"
)

// s3Writer implements Writer for S3-compatible storage.
type s3Writer struct {
	log    logrus.FieldLogger
	cfg    *config.S3StorageConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Writer = (*s3Writer)(nil)

// NewS3Writer creates a new S3 writer from the given configuration.
func NewS3Writer(
	log logrus.FieldLogger,
	cfg *config.S3StorageConfig,
) (Writer, error) {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	client := s3.New(s3.Options{}, opts...)

	return &s3Writer{
		log:    log.WithField("component", "s3-storage"),
		cfg:    cfg,
		client: client,
	}, nil
}

// Preflight verifies S3 connectivity by writing a small test object.
func (w *s3Writer) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("testplane write test: %s", time.Now().UTC().Format(time.RFC3339))
	body := strings.NewReader(content)

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(".testplane-write-test"),
		Body:        body,
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", w.cfg.Bucket, err)
	}

	return nil
}

// Put stores an artifact under the configured prefix.
func (w *s3Writer) Put(ctx context.Context, key string, data []byte) error {
	fullKey := w.resolveKey(key)

	w.log.WithFields(logrus.Fields{
		"key":    fullKey,
		"bucket": w.cfg.Bucket,
		"bytes":  len(data),
	}).Debug("Storing artifact")

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(detectContentType(key)),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// resolveKey builds the S3 object key for an artifact.
func (w *s3Writer) resolveKey(key string) string {
	prefix := w.cfg.Prefix
	if prefix == "" {
		prefix = "artifacts"
	}

	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(key, "/")
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
