package sourceclient

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Retry runs op until it succeeds or fails with something other than
// RateLimitedError. The server's Retry-After wins over the exponential
// schedule when it is longer; the schedule caps total sleep either way.
// Every other error propagates untouched.
func Retry(ctx context.Context, log zerolog.Logger, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 20 * time.Minute
	bo.Reset()

	for {
		err := op()
		var rl *RateLimitedError
		if err == nil || !errors.As(err, &rl) {
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		log.Debug().Dur("wait", wait).Msg("rate limited, backing off")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
