package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/metrics"
	"github.com/ekaya-inc/docucert/pkg/retry"
)

// RetryingStore bounds each call to a backing Store with a per-attempt
// timeout and retries transient failures with exponential backoff.
type RetryingStore struct {
	inner   Store
	timeout time.Duration
	retries int
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRetryingStore wraps inner. A zero timeout disables the per-attempt bound.
func NewRetryingStore(inner Store, timeout time.Duration, maxRetries int, m *metrics.Metrics, logger *zap.Logger) *RetryingStore {
	return &RetryingStore{
		inner:   inner,
		timeout: timeout,
		retries: maxRetries,
		metrics: m,
		logger:  logger.Named("storage"),
	}
}

func (s *RetryingStore) config(op, key string) *retry.Config {
	cfg := retry.WithMaxRetries(s.retries)
	cfg.OnRetry = func(attempt int, err error) {
		s.metrics.RecordStorageRetry(op)
		s.logger.Warn("Retrying storage operation",
			zap.String("op", op),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return cfg
}

// attempt runs fn under the per-attempt timeout. A timeout of the attempt
// alone (parent still live) is reported as transient.
func (s *RetryingStore) attempt(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	cancel := func() {}
	if s.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Key: key, Err: err}
	}
	return err
}

// Put buffers non-seekable readers so every attempt sends the full object.
func (s *RetryingStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	seeker, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("buffer upload: %w", err)
		}
		seeker = bytes.NewReader(data)
	}

	return retry.DoIfRetryable(ctx, s.config("put", key), func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return s.attempt(ctx, "put", key, func(ctx context.Context) error {
			return s.inner.Put(ctx, key, seeker, size, contentType)
		})
	})
}

func (s *RetryingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := retry.DoIfRetryable(ctx, s.config("get", key), func() error {
		// Not bounded by the attempt timeout: the stream outlives this call.
		var err error
		rc, err = s.inner.Get(ctx, key)
		return err
	})
	return rc, err
}

func (s *RetryingStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := retry.DoIfRetryable(ctx, s.config("exists", key), func() error {
		return s.attempt(ctx, "exists", key, func(ctx context.Context) error {
			var err error
			exists, err = s.inner.Exists(ctx, key)
			return err
		})
	})
	return exists, err
}

func (s *RetryingStore) Delete(ctx context.Context, key string) error {
	return retry.DoIfRetryable(ctx, s.config("delete", key), func() error {
		return s.attempt(ctx, "delete", key, func(ctx context.Context) error {
			return s.inner.Delete(ctx, key)
		})
	})
}

var _ Store = (*RetryingStore)(nil)
