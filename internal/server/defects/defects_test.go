package defects

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	in  *s3.PutObjectInput
	err error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func newTestSink(p *fakePutter) *S3Sink {
	return &S3Sink{
		client: p,
		bucket: "ops",
		now:    func() time.Time { return time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC) },
		newID:  func() string { return "u-1" },
	}
}

func TestS3Sink_Report(t *testing.T) {
	p := &fakePutter{}
	s := newTestSink(p)

	err := s.Report(context.Background(), Defect{RecordID: "r-1", Handler: "create", Reason: ReasonBadCredential, Username: "ali"})
	require.NoError(t, err)

	assert.Equal(t, "ops", aws.ToString(p.in.Bucket))
	assert.Equal(t, "defects/2026/03/07/r-1-u-1.json", aws.ToString(p.in.Key))
	assert.Equal(t, "application/json", aws.ToString(p.in.ContentType))

	raw, err := io.ReadAll(p.in.Body)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "unresolvable_credential", got["reason"])
	assert.Equal(t, "2026-03-07T10:00:00Z", got["occurred_at"])
	assert.NotContains(t, got, "credential")
}

func TestS3Sink_ReportError(t *testing.T) {
	p := &fakePutter{err: errors.New("access denied")}
	err := newTestSink(p).Report(context.Background(), Defect{RecordID: "r-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive defect: access denied")
}

func TestNewS3Sink_UsesSeams(t *testing.T) {
	origLoad, origNew := loadDefaultAWSConfig, newS3ClientFromConfig
	defer func() { loadDefaultAWSConfig, newS3ClientFromConfig = origLoad, origNew }()

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		var lo config.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		assert.NotNil(t, lo.Credentials)
		return aws.Config{Region: lo.Region}, nil
	}
	var applied s3.Options
	p := &fakePutter{}
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) objectPutter {
		for _, fn := range optFns {
			fn(&applied)
		}
		return p
	}

	s, err := NewS3Sink(context.Background(), S3Options{
		Bucket: "ops", Region: "eu-central-1", BaseEndpoint: "http://minio:9000", AccessKey: "k", SecretKey: "s",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000", aws.ToString(applied.BaseEndpoint))
	assert.True(t, applied.UsePathStyle)
	assert.Same(t, p, s.client)
}

func TestNewS3Sink_ConfigError(t *testing.T) {
	orig := loadDefaultAWSConfig
	defer func() { loadDefaultAWSConfig = orig }()
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no region")
	}

	_, err := NewS3Sink(context.Background(), S3Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aws config")
}

func TestNopSink(t *testing.T) {
	assert.NoError(t, NopSink{}.Report(context.Background(), Defect{}))
}
