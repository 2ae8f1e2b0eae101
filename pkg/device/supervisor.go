package device

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/haasonsaas/bitmesh/pkg/session"
)

// supervise reconnects after unexpected connection loss until ctx ends.
// Losses that follow a refused handshake are paced by a second backoff that
// resets only after the session connects.
func (d *Device) supervise(ctx context.Context) {
	pause := d.newBackOff()
	pause.MaxElapsedTime = 0
	pause.Reset()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.lost:
		}
		if d.stopping.Load() {
			return
		}

		if d.handshook.Swap(false) {
			pause.Reset()
		} else if !sleepCtx(ctx, pause.NextBackOff()) {
			return
		}

		d.mu.Lock()
		sess := d.sess
		d.mu.Unlock()
		if sess == nil || sess.State() == session.Connected {
			continue
		}

		err := backoff.RetryNotify(func() error {
			if d.metrics != nil {
				d.metrics.Reconnects.Inc()
			}
			return sess.Reconnect(ctx)
		}, backoff.WithContext(d.newBackOff(), ctx), func(err error, next time.Duration) {
			d.logger.Warn().Err(err).Dur("retry_in", next).Msg("Reconnect failed")
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error().Err(err).Msg("Giving up reconnecting")
			continue
		}
		d.logger.Info().Msg("Reconnected to broker")
	}
}

// sleepCtx waits for wait and reports false if ctx ended first.
func sleepCtx(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (d *Device) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if d.cfg.Reconnect.InitialInterval > 0 {
		b.InitialInterval = d.cfg.Reconnect.InitialInterval
	}
	if d.cfg.Reconnect.MaxInterval > 0 {
		b.MaxInterval = d.cfg.Reconnect.MaxInterval
	}
	b.MaxElapsedTime = d.cfg.Reconnect.MaxElapsed
	b.Reset()
	return b
}
