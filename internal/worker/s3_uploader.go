// internal/worker/s3_uploader.go
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"mitm-monitor/internal/config"
	"mitm-monitor/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// putter 는 S3 client 중 업로더가 쓰는 부분이다.
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader 는 archive 배치를 S3 에 올린다.
// - JSONL.gz 바이트 업로드 (UploadBytesWithRetryCtx)
// - 로컬 DLQ 파일 업로드 (UploadFileWithRetryCtx)
//
// 모든 업로드는 시도당 timeout + 재시도(backoff) 를 가진다.
// SDK 자체 retry 는 0 으로 고정하고 S3AppRetries 만 쓴다.
type S3Uploader struct {
	bucket  string
	timeout time.Duration
	retries int
	metrics *metrics.Metrics
	client  putter
}

// NewS3Uploader 는 AWS SDK 기본 설정 체인(env, shared config, IMDS)으로 client 를 만든다.
func NewS3Uploader(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Uploader, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})

	return newS3Uploader(cfg, m, client), nil
}

func newS3Uploader(cfg config.Config, m *metrics.Metrics, client putter) *S3Uploader {
	retries := cfg.S3AppRetries
	if retries <= 0 {
		retries = 1
	}
	return &S3Uploader{
		bucket:  cfg.ArchiveBucket,
		timeout: cfg.S3Timeout,
		retries: retries,
		metrics: m,
		client:  client,
	}
}

// UploadBytesWithRetryCtx
// -----------------------
// 메모리에 있는 gzip+JSONL 바이트 배열을 S3 로 업로드한다.
// body 는 매 재시도마다 reader 를 새로 만든다.
func (u *S3Uploader) UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, func() error {
		return u.putObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	})
}

// UploadFileWithRetryCtx
// -----------------------
// 로컬 DLQ 파일을 그대로 S3 로 업로드한다.
// 재시도 전에 Seek(0) 으로 rewind 한다.
func (u *S3Uploader) UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return u.putObject(ctx, key, f, size)
	})
}

// withRetry 는 200ms 부터 2배씩 (최대 2초) backoff 하며 retries 번 시도한다.
// ctx 가 끝나면 즉시 중단한다.
func (u *S3Uploader) withRetry(ctx context.Context, put func() error) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := put()
		if err == nil {
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.S3PutErrorsTotal, 1)

		if attempt == u.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject 는 PutObject 1회 호출이다. 시도마다 S3Timeout 을 적용한다.
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})

	return err
}
