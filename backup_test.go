package habitkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeBucket implements objectStore in memory.
type fakeBucket struct {
	objects map[string][]byte
	puts    int
	failPut int // fail this many puts before succeeding
	mu      sync.Mutex
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", *params.Key)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBucket) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPut > 0 {
		f.failPut--
		return nil, fmt.Errorf("connection reset by peer")
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var contents []types.Object
	for key := range f.objects {
		if params.Prefix == nil || len(key) >= len(*params.Prefix) && key[:len(*params.Prefix)] == *params.Prefix {
			contents = append(contents, types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeBucket) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func testBackup(bucket *fakeBucket, compress bool) *CloudBackup {
	cfg := DefaultBackupConfig("backups")
	cfg.Compress = compress
	return newCloudBackup(bucket, cfg)
}

func TestBackupUploadRestoreRoundTrip(t *testing.T) {
	for _, compress := range []bool{true, false} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			bucket := newFakeBucket()
			cb := testBackup(bucket, compress)
			ctx := context.Background()

			env := sampleEnvelope()
			env.ExportDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

			key, err := cb.Upload(ctx, env)
			if err != nil {
				t.Fatalf("upload: %v", err)
			}
			if compress && key[len(key)-3:] != ".sz" {
				t.Errorf("expected compressed suffix, got %q", key)
			}

			restored, err := cb.Restore(ctx, key)
			if err != nil {
				t.Fatalf("restore: %v", err)
			}
			if restored.UserID != "u1" || restored.Data.Character.Level != 5 {
				t.Errorf("round trip lost data: %+v", restored)
			}
		})
	}
}

func TestBackupUploadRetriesTransientFailures(t *testing.T) {
	bucket := newFakeBucket()
	bucket.failPut = 2
	cb := testBackup(bucket, false)

	if _, err := cb.Upload(context.Background(), sampleEnvelope()); err != nil {
		t.Fatalf("expected retries to absorb transient failures, got %v", err)
	}
	if bucket.puts != 3 {
		t.Errorf("expected 3 put attempts, got %d", bucket.puts)
	}
}

func TestBackupListNewestFirst(t *testing.T) {
	bucket := newFakeBucket()
	cb := testBackup(bucket, false)
	ctx := context.Background()

	for _, day := range []int{3, 1, 2} {
		env := sampleEnvelope()
		env.ExportDate = time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC)
		if _, err := cb.Upload(ctx, env); err != nil {
			t.Fatalf("upload day %d: %v", day, err)
		}
	}
	// Another user's backups stay out of the listing.
	other := sampleEnvelope()
	other.UserID = "u2"
	if _, err := cb.Upload(ctx, other); err != nil {
		t.Fatalf("upload other: %v", err)
	}

	keys, err := cb.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 backups for u1, got %d: %v", len(keys), keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] < keys[i] {
			t.Errorf("expected newest first, got %v", keys)
		}
	}
}

func TestBackupDelete(t *testing.T) {
	bucket := newFakeBucket()
	cb := testBackup(bucket, false)
	ctx := context.Background()

	key, err := cb.Upload(ctx, sampleEnvelope())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := cb.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys, err := cb.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no backups after delete, got %v", keys)
	}
}
