package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"message-aggregator/internal/domain"
)

var errLockHeld = errors.New("conversation lock held")

// acquire takes the exclusive per-conversation lock, retrying with backoff
// for up to LockWait. Only the same conversation is serialized; other keys
// never wait on it.
func (e *Engine) acquire(ctx context.Context, key domain.ConversationKey) (func(), error) {
	owner := newLockOwner()
	lockKey := key.LockKey()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := e.store.SetNX(ctx, lockKey, owner, e.cfg.LockTTL)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errLockHeld
		}
		return true, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(e.cfg.LockWait),
	)
	switch {
	case errors.Is(err, errLockHeld):
		return nil, newError(ErrorConversationBusy, "lock_wait_exceeded", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, newError(ErrorConversationBusy, "lock_wait_canceled", err)
	case err != nil:
		return nil, newError(ErrorStoreUnavailable, "lock_error", err)
	}

	return func() {
		released, err := e.store.DeleteIfValue(context.WithoutCancel(ctx), lockKey, owner)
		if err != nil {
			e.log.Warn("release conversation lock failed", "conversation", key.String(), "err", err)
			return
		}
		if !released {
			e.log.Warn("conversation lock expired before release", "conversation", key.String())
		}
	}, nil
}

var newLockOwner = func() string {
	return uuid.NewString()
}
