package socialscan

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollCap      = 15 * time.Second
	defaultMaxAttempts  = 12
	defaultPollTimeout  = 60 * time.Second
)

// PollOption configures polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	interval    time.Duration
	cap         time.Duration
	maxAttempts int
	timeout     time.Duration
}

func defaultPollConfig() pollConfig {
	return pollConfig{
		interval:    defaultPollInterval,
		cap:         defaultPollCap,
		maxAttempts: defaultMaxAttempts,
		timeout:     defaultPollTimeout,
	}
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.interval = d
	}
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.cap = d
	}
}

// WithMaxAttempts bounds the number of status checks.
func WithMaxAttempts(n int) PollOption {
	return func(c *pollConfig) {
		c.maxAttempts = n
	}
}

// WithPollTimeout overrides the default deadline (applied only when the
// parent context has none).
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.timeout = d
	}
}

// ErrJobIncomplete is returned when the attempt budget runs out before the
// job finishes. Callers report the pass as partial rather than failed.
var ErrJobIncomplete = eris.New("socialscan: job still running after poll budget")

// PollScan polls GetScan until the job completes, fails, exhausts its
// attempt budget, or the context expires. Backoff doubles up to the cap.
func PollScan(ctx context.Context, client Client, jobID string, opts ...PollOption) (*ScanStatus, error) {
	cfg := defaultPollConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.interval
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		status, err := client.GetScan(ctx, jobID)
		if err != nil {
			return nil, eris.Wrap(err, fmt.Sprintf("socialscan: poll scan %s", jobID))
		}

		switch status.Status {
		case StatusCompleted:
			return status, nil
		case StatusFailed:
			return nil, eris.Errorf("socialscan: scan %s failed: %s", jobID, status.Error)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), fmt.Sprintf("socialscan: poll scan %s timed out", jobID))
		case <-time.After(interval):
		}

		interval *= 2
		if interval > cfg.cap {
			interval = cfg.cap
		}
	}

	return nil, ErrJobIncomplete
}
