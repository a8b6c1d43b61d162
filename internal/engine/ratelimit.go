package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lavka.dev/internal/kv"
)

const attemptPrefix = "login:"

// loginLimiter counts failed logins per (email, source) in a fixed window
// backed by the TTL KV store. The window is anchored at the first failure;
// counter expiry is what re-opens the gate, so no sweep is ever needed.
type loginLimiter struct {
	store  kv.Store
	max    int
	window time.Duration
	now    func() time.Time
}

func attemptKey(email, source string) string {
	return attemptPrefix + email + ":" + source
}

// blocked reports whether the pair has exhausted its failure budget.
func (l *loginLimiter) blocked(ctx context.Context, email, source string) (bool, error) {
	count, _, err := l.read(ctx, attemptKey(email, source))
	if err != nil {
		return false, err
	}
	return count >= l.max, nil
}

// recordFailure bumps the counter, keeping the window end fixed.
func (l *loginLimiter) recordFailure(ctx context.Context, email, source string) error {
	key := attemptKey(email, source)
	count, windowEnd, err := l.read(ctx, key)
	if err != nil {
		return err
	}
	if count == 0 {
		windowEnd = l.now().Add(l.window)
	}
	ttl := windowEnd.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	value := fmt.Sprintf("%d|%d", count+1, windowEnd.Unix())
	return l.store.Set(ctx, key, []byte(value), ttl)
}

// reset clears the counter after a successful login.
func (l *loginLimiter) reset(ctx context.Context, email, source string) error {
	return l.store.Delete(ctx, attemptKey(email, source))
}

func (l *loginLimiter) read(ctx context.Context, key string) (count int, windowEnd time.Time, err error) {
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, nil
	}
	count, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, nil
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, nil
	}
	return count, time.Unix(end, 0), nil
}
