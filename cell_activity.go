package persisted

import (
	"context"
	"log/slog"

	"github.com/goliatone/go-persisted/pkg/activity"
)

// WithActivityHooks attaches audit hooks notified on every cell operation.
// Hooks are cloned and nil entries dropped to preserve immutability. Hook
// failures are logged, never surfaced to the mutating caller.
func WithActivityHooks(hooks activity.Hooks) Option {
	normalized := cloneActivityHooks(hooks)
	return func(cfg *cellConfig) {
		cfg.activityHooks = normalized
	}
}

// ActivityHooks returns a cloned slice of the hooks configured on the cell.
// The returned slice can be safely mutated by the caller.
func (c *Cell[T]) ActivityHooks() activity.Hooks {
	if c == nil {
		return nil
	}
	return cloneActivityHooks(c.cfg.activityHooks)
}

func (c *Cell[T]) emit(ctx context.Context, op activity.Op, origin activity.Origin, metadata map[string]any) {
	if !c.cfg.activityHooks.Enabled() {
		return
	}
	event := activity.Event{
		Op:       op,
		Key:      c.key,
		Origin:   origin,
		Metadata: metadata,
	}
	if err := c.cfg.activityHooks.Notify(ctx, event); err != nil {
		c.log().Warn("activity hook failed",
			slog.String("key", c.key),
			slog.String("op", string(op)),
			slog.Any("error", err),
		)
	}
}

func cloneActivityHooks(hooks activity.Hooks) activity.Hooks {
	if len(hooks) == 0 {
		return nil
	}
	normalized := make([]activity.Hook, 0, len(hooks))
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		normalized = append(normalized, hook)
	}
	if len(normalized) == 0 {
		return nil
	}
	return activity.Hooks(normalized)
}
