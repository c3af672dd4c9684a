// Package defects archives records the reconciler had to give up on, so an
// operator can fix the directory data. Credentials are never archived.
package defects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Reasons reported by the reconciler.
const (
	ReasonMissingUsername   = "missing_username"
	ReasonBadCredential     = "unresolvable_credential"
	ReasonEmailTaken        = "email_taken"
	ReasonUnlinkedDuplicate = "identity_exists_unlinked"
)

type Defect struct {
	RecordID   string    `json:"record_id"`
	Handler    string    `json:"handler"`
	Reason     string    `json:"reason"`
	Username   string    `json:"username,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Sink interface {
	Report(ctx context.Context, d Defect) error
}

// NopSink drops every defect; used when no archive bucket is configured.
type NopSink struct{}

func (NopSink) Report(context.Context, Defect) error { return nil }

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) objectPutter {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Options struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

// S3Sink writes one JSON object per defect to an S3 compatible bucket.
type S3Sink struct {
	client objectPutter
	bucket string
	now    func() time.Time
	newID  func() string
}

func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Sink{
		client: client,
		bucket: opts.Bucket,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}, nil
}

func (s *S3Sink) Report(ctx context.Context, d Defect) error {
	if d.OccurredAt.IsZero() {
		d.OccurredAt = s.now().UTC()
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode defect: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(d)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive defect: %w", err)
	}
	return nil
}

func (s *S3Sink) key(d Defect) string {
	t := d.OccurredAt.UTC()
	return fmt.Sprintf("defects/%04d/%02d/%02d/%s-%s.json", t.Year(), t.Month(), t.Day(), d.RecordID, s.newID())
}
