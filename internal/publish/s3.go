// internal/publish/s3.go
package publish

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/proof"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

// objectStore is the subset of the S3 API the mirror needs.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Mirror writes each proof once to an S3-compatible bucket.
// Objects are never overwritten; PutObject carries If-None-Match: *.
type S3Mirror struct {
	client  objectStore
	bucket  string
	metrics *metrics.Metrics
}

// NewS3Mirror creates a mirror for AWS S3 or an S3-compatible service like MinIO.
func NewS3Mirror(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string) (*S3Mirror, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &S3Mirror{client: client, bucket: bucket}, nil
}

// WithMetrics counts mirror outcomes.
func (m *S3Mirror) WithMetrics(mt *metrics.Metrics) *S3Mirror {
	m.metrics = mt
	return m
}

// Key returns the object key for p: proofs/yyyy/MM/dd/<ulid>-<proofId>.json.
// The ULID is derived from the proof timestamp so keys sort by creation time.
func Key(p model.Proof) string {
	ts := time.UnixMilli(p.Timestamp).UTC()
	id := ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy())
	return fmt.Sprintf("proofs/%s/%s-%s.json", ts.Format("2006/01/02"), id.String(), p.ProofID)
}

// Put implements Mirror and returns the s3:// URL of the stored copy.
func (m *S3Mirror) Put(ctx context.Context, p model.Proof) (string, error) {
	url, err := m.put(ctx, p)
	if m.metrics != nil {
		m.metrics.ProofPublishTotal.WithLabelValues("s3", metrics.Status(err)).Inc()
	}
	return url, err
}

func (m *S3Mirror) put(ctx context.Context, p model.Proof) (string, error) {
	body, err := proof.Encode(p)
	if err != nil {
		return "", err
	}
	key := Key(p)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
		Metadata: map[string]string{
			"proof-id":       p.ProofID,
			"hash":           p.Hash,
			"hash-algorithm": p.HashAlgorithm,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to mirror proof %s: %w", p.ProofID, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// Ping checks that the bucket is reachable.
func (m *S3Mirror) Ping(ctx context.Context) error {
	if _, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)}); err != nil {
		return fmt.Errorf("mirror bucket %s unreachable: %w", m.bucket, err)
	}
	return nil
}
