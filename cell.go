package persisted

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	goskema "github.com/reoring/goskema"

	"github.com/goliatone/go-persisted/pkg/activity"
	"github.com/goliatone/go-persisted/pkg/observe"
)

// Cell wraps an observable value with schema-validated persistence. Every
// successful Set, Update or Apply leaves the store entry at the cell's key
// decoding and validating to a value deep-equal to the current one; Clear
// leaves the default value in memory and no entry in the store.
type Cell[T any] struct {
	key          string
	schema       goskema.Schema[T]
	defaultValue T
	cfg          cellConfig
	codec        Codec
	value        *observe.Value[T]

	// mu serializes mutations, external-change handling and echo bookkeeping.
	// Subscriber callbacks run while it is held and must not call back into
	// mutating cell methods.
	mu          sync.Mutex
	lastWritten []byte
	selfCleared bool
	cancelWatch func()
	closed      bool

	evalOnce    sync.Once
	defaultEval Evaluator
}

// New constructs a cell for key. When a store is configured and an entry
// exists at key, the entry is decoded and validated through schema; a decode
// or validation failure fails the whole call so corrupted persisted state
// never silently becomes a different value. When no entry exists the cell
// seeds from defaultValue. defaultValue itself is not validated; that remains
// the caller's responsibility.
//
// If the store implements Watcher, the cell registers a listener for external
// changes to key. Close deregisters it.
func New[T any](ctx context.Context, key string, schema goskema.Schema[T], defaultValue T, opts ...Option) (*Cell[T], error) {
	if key == "" {
		return nil, fmt.Errorf("persisted: key must not be empty")
	}
	if schema == nil {
		return nil, fmt.Errorf("persisted: schema is required for key %q", key)
	}

	cfg := applyOptions(opts)
	c := &Cell[T]{
		key:          key,
		schema:       schema,
		defaultValue: defaultValue,
		cfg:          cfg,
		codec:        cfg.codecOrDefault(),
	}

	initial := defaultValue
	if c.persisting() {
		raw, ok, err := cfg.store.Get(ctx, key)
		if err != nil {
			return nil, &StoreError{Op: "get", Key: key, Err: err}
		}
		if ok {
			value, derr := c.decode(ctx, raw)
			if derr != nil {
				return nil, derr
			}
			initial = value
			c.lastWritten = raw
		}
	}
	c.value = observe.NewValue(initial)

	if c.persisting() {
		if watcher, ok := cfg.store.(Watcher); ok {
			cancel, err := watcher.Watch(key, c.onChange)
			if err != nil {
				return nil, &StoreError{Op: "watch", Key: key, Err: err}
			}
			c.cancelWatch = cancel
		}
	}
	return c, nil
}

// Key returns the store key the cell persists under.
func (c *Cell[T]) Key() string {
	return c.key
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	return c.value.Get()
}

// Subscribe registers fn for change notifications. fn is invoked synchronously
// with the current value before Subscribe returns, and again after every
// change. The returned function cancels the subscription.
func (c *Cell[T]) Subscribe(fn func(T)) func() {
	return c.value.Subscribe(fn)
}

// Set replaces the current value. Subscribers observe the new value before the
// store write is issued; a failed write returns a *StoreError while the
// in-memory value stays updated.
func (c *Cell[T]) Set(ctx context.Context, value T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.checkWrite(ctx, value); err != nil {
		return err
	}
	return c.commit(ctx, activity.OpSet, value)
}

// Update applies fn to the current value and persists the result. The
// read-compute-write sequence is atomic with respect to this cell only; cross
// context writers still race last-write-wins at the store.
func (c *Cell[T]) Update(ctx context.Context, fn func(T) T) error {
	if fn == nil {
		return fmt.Errorf("persisted: updater is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	next := fn(c.value.Get())
	if err := c.checkWrite(ctx, next); err != nil {
		return err
	}
	return c.commit(ctx, activity.OpUpdate, next)
}

// Clear resets the current value to the default and removes the store entry.
// The default is not re-validated. Clearing an already-cleared cell is a
// no-op apart from subscriber notification.
func (c *Cell[T]) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.value.Set(c.defaultValue)
	c.emit(ctx, activity.OpClear, activity.OriginLocal, nil)
	if !c.persisting() {
		return nil
	}
	if err := c.cfg.store.Remove(ctx, c.key); err != nil {
		c.lastWritten = nil
		return &StoreError{Op: "remove", Key: c.key, Err: err}
	}
	c.lastWritten = nil
	c.selfCleared = true
	return nil
}

// Close deregisters the external-change listener. Further mutations return
// ErrClosed; Get and Subscribe keep working on the frozen value. Close is
// idempotent.
func (c *Cell[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancelWatch != nil {
		c.cancelWatch()
		c.cancelWatch = nil
	}
	return nil
}

func (c *Cell[T]) persisting() bool {
	return c.cfg.store != nil && !c.cfg.disabled
}

func (c *Cell[T]) checkWrite(ctx context.Context, value T) error {
	if !c.cfg.validateWrites {
		return nil
	}
	if err := c.schema.ValidateValue(ctx, value); err != nil {
		return &ValidationError{Key: c.key, Err: err}
	}
	return nil
}

// commit applies the in-memory update, notifies subscribers, then mirrors the
// result into the store. Callers must hold c.mu.
func (c *Cell[T]) commit(ctx context.Context, op activity.Op, value T) error {
	c.value.Set(value)
	c.emit(ctx, op, activity.OriginLocal, nil)
	if !c.persisting() {
		return nil
	}
	raw, err := c.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("persisted: encode %q: %w", c.key, err)
	}
	if err := c.cfg.store.Set(ctx, c.key, raw); err != nil {
		// Store and memory have diverged; the previously written payload is
		// no longer this cell's echo and must not be dropped if it arrives
		// as a genuine external change.
		c.lastWritten = nil
		return &StoreError{Op: "set", Key: c.key, Err: err}
	}
	c.lastWritten = raw
	c.selfCleared = false
	return nil
}

// decode turns a raw store entry into a validated value: codec decode,
// migration hooks, then schema parse.
func (c *Cell[T]) decode(ctx context.Context, raw []byte) (T, error) {
	var zero T
	candidate, err := c.codec.Decode(raw)
	if err != nil {
		return zero, &DecodeError{Key: c.key, Codec: c.codec.Name(), Err: err}
	}
	candidate, err = c.cfg.migrations.Run(c.key, candidate)
	if err != nil {
		return zero, &DecodeError{Key: c.key, Codec: c.codec.Name(), Err: err}
	}
	value, err := c.schema.Parse(ctx, candidate)
	if err != nil {
		return zero, &ValidationError{Key: c.key, Err: err}
	}
	return value, nil
}

// onChange handles a store change notification for this cell's key. Removals
// reset to the default without re-writing the store; payloads are decoded and
// validated like entries at construction, except that a failure keeps the
// current value instead of propagating.
func (c *Cell[T]) onChange(event ChangeEvent) {
	if event.Key != c.key {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if event.Removed {
		if c.selfCleared {
			// Echo of our own Clear; state already reflects it.
			c.selfCleared = false
			return
		}
		c.value.Set(c.defaultValue)
		c.lastWritten = nil
		c.emit(context.Background(), activity.OpSync, activity.OriginExternal, map[string]any{
			"removed":  true,
			"event_id": event.ID,
		})
		return
	}

	if c.lastWritten != nil && bytes.Equal(event.Raw, c.lastWritten) {
		// Echo of our own latest write.
		return
	}

	value, err := c.decode(context.Background(), event.Raw)
	if err != nil {
		c.log().Warn("ignoring external change",
			slog.String("key", c.key),
			slog.String("event_id", event.ID),
			slog.Any("error", err),
		)
		if c.cfg.syncErrHandler != nil {
			c.cfg.syncErrHandler(err)
		}
		return
	}
	c.value.Set(value)
	c.lastWritten = event.Raw
	c.selfCleared = false
	c.emit(context.Background(), activity.OpSync, activity.OriginExternal, map[string]any{
		"event_id": event.ID,
	})
}

func (c *Cell[T]) log() *slog.Logger {
	if c.cfg.logger != nil {
		return c.cfg.logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
