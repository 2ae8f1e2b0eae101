package main

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/auth"
	"github.com/haasonsaas/bitmesh/pkg/certstore"
	"github.com/haasonsaas/bitmesh/pkg/enroll"
	"github.com/rs/zerolog/log"
)

type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
}

func newRetrier(initialMs, maxMs, maxRetries int) *retrier {
	if initialMs <= 0 {
		initialMs = 500
	}
	if maxMs <= 0 {
		maxMs = initialMs
	}
	if maxMs < initialMs {
		maxMs = initialMs
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{
		initial:    time.Duration(initialMs) * time.Millisecond,
		max:        time.Duration(maxMs) * time.Millisecond,
		maxRetries: maxRetries,
	}
}

func (r *retrier) do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying enrollment")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

// isRetryableEnrollment retries network failures, 5xx, and 429. Rejections
// and malformed responses are final.
func isRetryableEnrollment(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *enroll.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 && statusErr.Code < 600 || statusErr.Code == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryingIdentity retries transient enrollment failures at startup.
type retryingIdentity struct {
	mgr   *auth.Manager
	retry *retrier
}

func (r *retryingIdentity) EnsureCertificates(ctx context.Context) (auth.Identity, certstore.Paths, error) {
	var (
		id    auth.Identity
		paths certstore.Paths
	)
	err := r.retry.do(ctx, func() error {
		var err error
		id, paths, err = r.mgr.EnsureCertificates(ctx)
		return err
	}, isRetryableEnrollment)
	return id, paths, err
}
