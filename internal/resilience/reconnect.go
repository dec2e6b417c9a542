package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Zero means retry until ctx is done
	Backoff     time.Duration // Wait after the first failure
	Multiplier  float64       // 1 keeps the backoff fixed
	MaxBackoff  time.Duration
}

// FixedReconnectConfig retries forever with a constant backoff, the way
// a worker redials its master.
func FixedReconnectConfig(backoff time.Duration) *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 0,
		Backoff:     backoff,
		Multiplier:  1,
		MaxBackoff:  backoff,
	}
}

// ReconnectFunc is a function that attempts to reconnect
type ReconnectFunc func(ctx context.Context) error

// Reconnect calls fn until it succeeds, the attempts are exhausted or ctx
// is done. Failures are logged with the given logger.
func Reconnect(ctx context.Context, logger zerolog.Logger, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = FixedReconnectConfig(5 * time.Second)
	}

	backoff := config.Backoff
	for attempt := 1; config.MaxAttempts == 0 || attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Reconnection successful")
			}
			return nil
		}

		if config.MaxAttempts != 0 && attempt == config.MaxAttempts {
			break
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if config.Multiplier > 1 {
			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts", config.MaxAttempts)
}
