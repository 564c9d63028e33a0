package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Action is the side-effecting call a key pays for. It runs only after the
// key passed the quota check and is charged only if it returns nil.
type Action func(ctx context.Context) error

// Guard runs metered actions under the check-act-commit protocol.
type Guard struct {
	store   *Store
	locks   *keyLocks
	metrics *Metrics
	logger  *slog.Logger
}

// NewGuard creates a guard over store. metrics may be nil.
func NewGuard(store *Store, metrics *Metrics, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:   store,
		locks:   newKeyLocks(),
		metrics: metrics,
		logger:  logger.With(slog.String("component", "quota_guard")),
	}
}

// AuthorizeAndConsume validates key, runs action if the key has quota left and
// commits one unit of usage once action succeeded. It returns the record as
// committed.
//
// Errors:
//   - ErrInvalidKey when the key is unknown
//   - a *QuotaError (matching ErrQuotaExhausted) when no quota is left
//   - the action's own error, with usage untouched
//   - a persistence error if the commit could not be written
//
// The per-key lock is held for the whole sequence, so concurrent requests for
// the same key run one at a time and cannot spend the same unit twice.
func (g *Guard) AuthorizeAndConsume(ctx context.Context, key string, action Action) (KeyRecord, error) {
	start := time.Now()
	rec, err := g.run(ctx, key, action)
	g.metrics.RecordScan(ctx, scanResult(err), time.Since(start))
	return rec, err
}

func (g *Guard) run(ctx context.Context, key string, action Action) (KeyRecord, error) {
	release, err := g.locks.acquire(ctx, key)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("waiting for key lock: %w", err)
	}
	defer release()

	rec, err := g.store.Find(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return KeyRecord{}, fmt.Errorf("%s: %w", MaskKey(key), ErrInvalidKey)
		}
		return KeyRecord{}, err
	}

	if !rec.HasQuota() {
		g.logger.InfoContext(ctx, "scan rejected, quota exhausted",
			slog.String("key", MaskKey(key)),
			slog.Int("usage_count", rec.UsageCount),
			slog.Int("usage_limit", rec.UsageLimit))
		return rec, &QuotaError{Record: rec}
	}

	if err := action(ctx); err != nil {
		g.logger.InfoContext(ctx, "guarded action failed, usage not charged",
			slog.String("key", MaskKey(key)),
			slog.String("error", err.Error()))
		return rec, err
	}

	// The action has taken effect, so the charge commits even if ctx has ended.
	committed, err := g.store.IncrementUsage(context.WithoutCancel(ctx), key)
	if err != nil {
		g.metrics.RecordPersistFailure(ctx, "increment_usage")
		g.logger.ErrorContext(ctx, "failed to commit usage after successful action",
			slog.String("key", MaskKey(key)),
			slog.String("error", err.Error()))
		return rec, fmt.Errorf("commit usage: %w", err)
	}

	g.logger.DebugContext(ctx, "usage committed",
		slog.String("key", MaskKey(key)),
		slog.Int("usage_count", committed.UsageCount),
		slog.Int("remaining", committed.Remaining()))
	return committed, nil
}

// QuotaError reports an exhausted key together with its state at rejection.
type QuotaError struct {
	Record KeyRecord
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %d of %d scans used: %s",
		MaskKey(e.Record.Key), e.Record.UsageCount, e.Record.UsageLimit, ErrQuotaExhausted)
}

// Unwrap makes errors.Is(err, ErrQuotaExhausted) hold.
func (e *QuotaError) Unwrap() error {
	return ErrQuotaExhausted
}

func scanResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidKey):
		return ErrCodeInvalidKey
	case errors.Is(err, ErrQuotaExhausted):
		return ErrCodeQuotaExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "action_failed"
	}
}
