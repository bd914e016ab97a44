// Package s3archive stores verified raw webhook bodies in an S3-compatible bucket.
package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds archive bucket settings
type Config struct {
	Bucket string
	Region string
	Prefix string

	// EndpointURL points at an S3-compatible service; path-style addressing is used when set.
	EndpointURL string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// putter is the subset of the S3 client the archiver needs
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes one object per webhook delivery
type Archiver struct {
	client putter
	bucket string
	prefix string
	now    func() time.Time
}

// New creates an archiver from cfg
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	return newArchiver(client, cfg), nil
}

func newArchiver(client putter, cfg Config) *Archiver {
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		now:    time.Now,
	}
}

// ObjectKey returns the key a delivery is archived under:
// [prefix/]topic/YYYY/MM/DD/eventKey.json
func (a *Archiver) ObjectKey(topic, eventKey string) string {
	parts := make([]string, 0, 4)
	if a.prefix != "" {
		parts = append(parts, a.prefix)
	}
	if topic == "" {
		topic = "unknown"
	}
	parts = append(parts, topic, a.now().UTC().Format("2006/01/02"), sanitize(eventKey)+".json")
	return strings.Join(parts, "/")
}

// Archive stores body under the delivery's object key
func (a *Archiver) Archive(ctx context.Context, topic, eventKey string, body []byte) error {
	key := a.ObjectKey(topic, eventKey)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"topic":     topic,
			"event-key": eventKey,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s to s3://%s/%s: %w", topic, a.bucket, key, err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
}
