package s3client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second

	// maxObjectSize bounds GetObject reads; only manifests are fetched.
	maxObjectSize = 32 << 20
)

// ErrNotFound is returned by GetObject when the key does not exist.
var ErrNotFound = errors.New("object not found")

// API is the part of *s3.Client the publisher needs.
type API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Client wraps the S3 API with retry logic
type Client struct {
	api        API
	uploader   *manager.Uploader
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option tunes a Client.
type Option func(*Client)

// WithRetry overrides the retry budget and backoff bounds.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// NewClient creates a client from an AWS config
func NewClient(cfg aws.Config, opts ...Option) *Client {
	return NewWithAPI(s3.NewFromConfig(cfg), opts...)
}

// NewWithAPI creates a client over any API implementation.
func NewWithAPI(api API, opts ...Option) *Client {
	c := &Client{
		api:        api,
		uploader:   manager.NewUploader(api),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetObject downloads a small object into memory.
func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	return withRetry(ctx, c, func() ([]byte, error) {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrNotFound)
			}
			return nil, err
		}
		defer out.Body.Close()

		data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
		if err != nil {
			return nil, err
		}
		if len(data) > maxObjectSize {
			return nil, fmt.Errorf("s3://%s/%s exceeds %d bytes", bucket, key, maxObjectSize)
		}
		return data, nil
	})
}

// Upload stores the body returned by open under key. open is called again
// for every retry; large bodies go through multipart upload.
func (c *Client) Upload(ctx context.Context, bucket, key string, open func() (io.ReadCloser, error), contentType string) error {
	_, err := withRetry(ctx, c, func() (struct{}, error) {
		body, err := open()
		if err != nil {
			return struct{}{}, &permanentError{err}
		}
		defer body.Close()

		input := &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   body,
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		_, err = c.uploader.Upload(ctx, input)
		return struct{}{}, err
	})
	return err
}

// PutBytes uploads an in-memory object.
func (c *Client) PutBytes(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	return c.Upload(ctx, bucket, key, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, contentType)
}

// DeleteObject deletes an object. Deleting a missing key succeeds.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := withRetry(ctx, c, func() (*s3.DeleteObjectOutput, error) {
		return c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
	})
	return err
}

// permanentError marks failures that happen before any request is sent.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func withRetry[T any](ctx context.Context, c *Client, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}

		if !isRetryableError(err) {
			return zero, err
		}

		lastErr = err
		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(c.calculateDelay(attempt)):
			}
		}
	}
	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isRetryableError checks if an error is retryable
func isRetryableError(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) || errors.Is(err, ErrNotFound) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeoutException", "InternalError":
			return true
		}
		if httpErr, ok := apiErr.(interface{ HTTPStatusCode() int }); ok {
			code := httpErr.HTTPStatusCode()
			return code >= 500 && code < 600
		}
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// calculateDelay returns exponential backoff with ±25% jitter, capped at
// maxDelay.
func (c *Client) calculateDelay(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2.0, float64(attempt))
	delay += delay * 0.25 * (2*rand.Float64() - 1)
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay)
}
