package habitkit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// BackupConfig configures cloud backup of export envelopes to S3 or an
// S3-compatible service.
type BackupConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance
	// profiles, or environment variables (AWS_ACCESS_KEY_ID,
	// AWS_SECRET_ACCESS_KEY) instead of setting these directly. DO NOT
	// commit credentials to source control.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"` // Key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style"`

	// Compress enables snappy compression of stored envelopes.
	// Default: true via DefaultBackupConfig.
	Compress bool `yaml:"compress"`

	// MaxRetries is the max retry attempts for S3 operations (default: 3).
	MaxRetries int `yaml:"max_retries"`
}

// DefaultBackupConfig returns sensible defaults for the given bucket.
func DefaultBackupConfig(bucket string) BackupConfig {
	return BackupConfig{
		Bucket:     bucket,
		Region:     "us-east-1",
		Prefix:     "habitkit/",
		Compress:   true,
		MaxRetries: 3,
	}
}

// objectStore is the narrow slice of the S3 client used by CloudBackup,
// kept as an interface so tests can fake the bucket.
type objectStore interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// CloudBackup uploads export envelopes to object storage and restores
// them. Uploads run through the Retryer with the retryable-error
// classifier, so a flaky network does not fail a backup outright.
type CloudBackup struct {
	client  objectStore
	config  BackupConfig
	retryer *Retryer
}

// NewCloudBackup creates a backup client from the configuration.
func NewCloudBackup(cfg BackupConfig) (*CloudBackup, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	// Build AWS config options
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return newCloudBackup(s3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

func newCloudBackup(client objectStore, cfg BackupConfig) *CloudBackup {
	return &CloudBackup{
		client: client,
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}
}

// objectKey builds the storage key for one backup of one user.
func (cb *CloudBackup) objectKey(userID string, at time.Time) string {
	suffix := ".json"
	if cb.config.Compress {
		suffix = ".json.sz"
	}
	return fmt.Sprintf("%s%s/%s%s", cb.config.Prefix, userID, at.UTC().Format("20060102T150405Z"), suffix)
}

// Upload stores an export envelope and returns its object key.
func (cb *CloudBackup) Upload(ctx context.Context, env *ExportEnvelope) (string, error) {
	data, err := EncodeExport(env)
	if err != nil {
		return "", err
	}
	if cb.config.Compress {
		data = snappy.Encode(nil, data)
	}

	key := cb.objectKey(env.UserID, env.ExportDate)
	result := cb.retryer.Do(ctx, func() error {
		_, err := cb.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(cb.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return "", result.LastErr
	}
	return key, nil
}

// Restore fetches a backup by key and decodes the envelope.
func (cb *CloudBackup) Restore(ctx context.Context, key string) (*ExportEnvelope, error) {
	val, result := cb.retryer.DoWithResult(ctx, func() (any, error) {
		resp, err := cb.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(cb.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("S3 read body failed: %w", err)
		}
		return d, nil
	})
	if result.LastErr != nil {
		return nil, result.LastErr
	}

	data := val.([]byte)
	if strings.HasSuffix(key, ".sz") {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompress backup: %w", err)
		}
		data = decoded
	}
	return DecodeExport(data)
}

// List returns the backup object keys for one user, newest first.
func (cb *CloudBackup) List(ctx context.Context, userID string) ([]string, error) {
	prefix := cb.config.Prefix + userID + "/"

	var keys []string
	var token *string
	for {
		page, err := cb.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(cb.config.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
		if page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}

	// Keys embed a sortable timestamp, so lexical descending is newest
	// first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

// Delete removes one stored backup.
func (cb *CloudBackup) Delete(ctx context.Context, key string) error {
	result := cb.retryer.Do(ctx, func() error {
		_, err := cb.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cb.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 delete object failed: %w", err)
		}
		return nil
	})
	return result.LastErr
}
