package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff controls DialWithRetry.
type Backoff struct {
	Initial time.Duration // delay before the second attempt (default: 1s)
	Max     time.Duration // upper bound on the delay (default: 30s)
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max < b.Initial {
		b.Max = 30 * time.Second
		if b.Max < b.Initial {
			b.Max = b.Initial
		}
	}
	return b
}

// next doubles delay up to Max.
func (b Backoff) next(delay time.Duration) time.Duration {
	delay *= 2
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// DialWithRetry dials until it succeeds or ctx is cancelled, doubling the
// delay between attempts.
func DialWithRetry(ctx context.Context, config Config, backoff Backoff) (*Client, error) {
	backoff = backoff.withDefaults()
	delay := backoff.Initial
	attempt := 1

	for {
		c, err := Dial(ctx, config)
		if err == nil {
			if attempt > 1 {
				c.log.WithField("attempts", attempt).Info("reconnected")
			}
			return c, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logrus.WithFields(logrus.Fields{
			"server":  config.URL,
			"attempt": attempt,
			"next":    delay,
		}).WithError(err).Warn("dial failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay = backoff.next(delay)
		attempt++
	}
}
