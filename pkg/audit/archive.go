package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ObjectPutter is the subset of *s3.Client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// EventSource reads stored events
type EventSource interface {
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)
}

// S3Config holds archive bucket settings
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3Client builds an S3 client. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3Archiver uploads expired events as NDJSON objects
type S3Archiver struct {
	client    ObjectPutter
	source    EventSource
	bucket    string
	prefix    string
	batchSize int
	newID     func() string
}

// NewS3Archiver creates an archiver reading from source
func NewS3Archiver(client ObjectPutter, source EventSource, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		client:    client,
		source:    source,
		bucket:    bucket,
		prefix:    prefix,
		batchSize: 1000,
		newID:     uuid.NewString,
	}
}

// Archive uploads every event older than before, one object per batch, and
// returns how many events were uploaded. It stops at the first failed upload.
func (a *S3Archiver) Archive(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for offset := 0; ; offset += a.batchSize {
		events, err := a.source.Search(ctx, SearchFilter{
			EndTime:   &before,
			Ascending: true,
			Limit:     a.batchSize,
			Offset:    offset,
		})
		if err != nil {
			return total, fmt.Errorf("failed to read audit events: %w", err)
		}
		if len(events) == 0 {
			return total, nil
		}

		body, err := encodeBatch(events)
		if err != nil {
			return total, err
		}

		key := a.objectKey(events[0].Timestamp)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/x-ndjson"),
		})
		if err != nil {
			return total, fmt.Errorf("failed to upload audit archive %s: %w", key, err)
		}

		total += len(events)
		if len(events) < a.batchSize {
			return total, nil
		}
	}
}

// encodeBatch renders events as one JSON document per line
func encodeBatch(events []*AuditEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode audit event %d: %w", event.ID, err)
		}
	}
	return buf.Bytes(), nil
}

func (a *S3Archiver) objectKey(first time.Time) string {
	return path.Join(a.prefix, first.UTC().Format("2006/01/02"), a.newID()+".ndjson")
}
