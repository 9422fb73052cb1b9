// Package queue runs delayed jobs. The SQLite driver keeps jobs in the
// database; the amqp subpackage offers a RabbitMQ driver with the same contract.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// RetryPolicy decides how long a failed job waits and when it gives up
// FUNCTIONAL DISCOVERY: Delays come from backoff's exponential schedule so both
// drivers space retries identically
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 2 * time.Second, MaxInterval: time.Minute, MaxAttempts: 5}
}

// Delay returns the wait before attempt+1 after attempt failures
func (p RetryPolicy) Delay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Exhausted reports whether attempt used up the budget
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// IsPermanent reports whether the handler asked not to be retried
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// SafeRun invokes handler and converts a panic into an error
func SafeRun(ctx context.Context, handler interfaces.JobHandler, job *types.ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}
