package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Transport delivers by dropping envelope objects into a bucket the server
// (or another device) ingests from. The object key embeds the idempotency
// key, so existence doubles as the duplicate check.
type S3Transport struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	deviceID string
	kMaster  []byte // nil for plaintext envelopes
}

// S3Config configures the bucket connection. Endpoint and PathStyle allow
// S3-compatible stores (MinIO and friends).
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	PathStyle    bool
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// NewS3 builds the transport. kMaster, when non-nil, seals every envelope.
func NewS3(ctx context.Context, cfg S3Config, deviceID string, kMaster []byte) (*S3Transport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		func(opts *awsconfig.LoadOptions) error {
			if cfg.Endpoint != "" {
				opts.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
					func(service, region string, options ...interface{}) (aws.Endpoint, error) {
						return aws.Endpoint{
							URL:               cfg.Endpoint,
							SigningRegion:     cfg.Region,
							HostnameImmutable: cfg.PathStyle,
						}, nil
					},
				)
			}
			if cfg.AccessKey != "" && cfg.SecretKey != "" {
				opts.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKey, cfg.SecretKey, cfg.SessionToken,
				)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Transport{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		deviceID: deviceID,
		kMaster:  kMaster,
	}, nil
}

func (t *S3Transport) key(idempotencyKey string) string {
	k := fmt.Sprintf("devices/%s/events/%s.dtevt", t.deviceID, idempotencyKey)
	if t.prefix == "" {
		return k
	}
	return strings.TrimSuffix(t.prefix, "/") + "/" + k
}

// Send implements Transport.
func (t *S3Transport) Send(ctx context.Context, it Item) (Outcome, error) {
	key := t.key(it.IdempotencyKey)

	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return Duplicate, nil
	}
	if !isNotFound(err) {
		return classifyS3Error(err)
	}

	raw, err := EncodeEnvelope(it, t.deviceID, t.kMaster)
	if err != nil {
		return Permanent, fmt.Errorf("encode envelope: %w", err)
	}
	_, err = t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(raw),
	})
	if err != nil {
		return classifyS3Error(err)
	}
	return Delivered, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// classifyS3Error sorts SDK failures into retryable vs. not. Matching on
// message text mirrors how the SDK surfaces throttling and connectivity.
func classifyS3Error(err error) (Outcome, error) {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"server error",
		"throttling",
		"slowdown",
		"requesttimeout",
		"no such host",
	} {
		if strings.Contains(msg, pattern) {
			return Transient, err
		}
	}
	return Permanent, err
}
