package paging

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/mediator"
)

const defaultRetryAttempts = 3

// RetryPolicy bounds how often a load cycle is repeated after a transport failure.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultRetryAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Do runs operation until it succeeds, fails with a non-transport error, or runs out of attempts.
// The wait before attempt n+1 is Delay*(n+1).
func (p RetryPolicy) Do(ctx context.Context, operation func(context.Context) error) error {
	policy := p.withDefaults()
	var err error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		err = operation(ctx)
		if err == nil || !errors.Is(err, mediator.ErrTransport) {
			return err
		}
		if attempt == policy.Attempts-1 {
			break
		}
		timer := time.NewTimer(policy.Delay * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
