package persisted

import (
	"log/slog"
	"time"

	"github.com/goliatone/go-persisted/internal/migrate"
	"github.com/goliatone/go-persisted/pkg/activity"
)

// Response stores a typed result produced by an evaluator.
type Response[T any] struct {
	Value T
}

// EvalContext carries inputs needed when evaluating an expression against a
// cell snapshot.
type EvalContext struct {
	// Snapshot is the structured representation of the cell value, typically a
	// map[string]any produced by the configured codec.
	Snapshot any
	// Key identifies the cell the snapshot was taken from.
	Key      string
	Now      *time.Time
	Args     map[string]any
	Metadata map[string]any
}

func (ctx EvalContext) withDefaultNow() EvalContext {
	if ctx.Now != nil {
		return ctx
	}
	now := time.Now()
	ctx.Now = &now
	return ctx
}

func (ctx EvalContext) timestamp() time.Time {
	ctx = ctx.withDefaultNow()
	return *ctx.Now
}

func (ctx EvalContext) withDefaultMaps() EvalContext {
	if ctx.Args == nil {
		ctx.Args = map[string]any{}
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	return ctx
}

func (ctx EvalContext) withDefaults() EvalContext {
	return ctx.withDefaultNow().withDefaultMaps()
}

func (ctx EvalContext) withDefaultKey(key string) EvalContext {
	if ctx.Key == "" {
		ctx.Key = key
	}
	return ctx
}

func (ctx EvalContext) keyLabel() string {
	if ctx.Key != "" {
		return ctx.Key
	}
	return "unknown"
}

// Evaluator executes expressions against a cell snapshot.
type Evaluator interface {
	Evaluate(ctx EvalContext, expr string) (any, error)
	Compile(expr string, opts ...CompileOption) (CompiledRule, error)
}

// CompiledRule represents a reusable expression program.
type CompiledRule interface {
	Evaluate(ctx EvalContext) (any, error)
}

// CompileOption configures evaluator compile behaviour.
type CompileOption interface {
	applyCompileOption(*compileConfig)
}

type compileConfig struct{}

type compileOptionFunc func(*compileConfig)

func (f compileOptionFunc) applyCompileOption(cfg *compileConfig) {
	if f != nil {
		f(cfg)
	}
}

// Option configures a Cell at construction.
type Option func(*cellConfig)

type cellConfig struct {
	store          Store
	codec          Codec
	disabled       bool
	validateWrites bool
	logger         *slog.Logger
	evaluator      Evaluator
	programCache   ProgramCache
	functions      *FunctionRegistry
	evalLogger     EvaluatorLogger
	activityHooks  activity.Hooks
	migrations     migrate.Chain
	syncErrHandler func(error)
}

func applyOptions(opts []Option) cellConfig {
	cfg := cellConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithStore injects the key-value store the cell persists to. Without a store
// the cell behaves as a pure in-memory observable.
func WithStore(store Store) Option {
	return func(cfg *cellConfig) {
		cfg.store = store
	}
}

// WithCodec overrides the serialization used for store entries. Defaults to
// JSONCodec.
func WithCodec(codec Codec) Option {
	return func(cfg *cellConfig) {
		cfg.codec = codec
	}
}

// WithoutPersistence disables all store I/O and listener registration even
// when a store is configured. Intended for environments without a usable
// store, e.g. server-side rendering.
func WithoutPersistence() Option {
	return func(cfg *cellConfig) {
		cfg.disabled = true
	}
}

// WithValidateWrites makes Set and Update validate incoming values against the
// schema before accepting them. Off by default: writes originate from
// application code and are trusted on the hot path.
func WithValidateWrites() Option {
	return func(cfg *cellConfig) {
		cfg.validateWrites = true
	}
}

// WithLogger attaches a structured logger used for non-fatal events such as
// rejected external changes. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *cellConfig) {
		cfg.logger = logger
	}
}

// WithEvaluator configures the expression evaluator used by Evaluate and
// Apply.
func WithEvaluator(e Evaluator) Option {
	return func(cfg *cellConfig) {
		cfg.evaluator = e
	}
}

// WithSyncErrorHandler registers a callback invoked when an external change
// notification carries a payload that fails decoding or validation. The cell
// keeps its current value in that case; the handler is the only channel
// through which the failure is reported to the caller.
func WithSyncErrorHandler(handler func(error)) Option {
	return func(cfg *cellConfig) {
		cfg.syncErrHandler = handler
	}
}

// MigrationHook rewrites a decoded candidate payload before schema validation.
// Hooks run in registration order on load and on external change, giving
// callers an upgrade path for stale persisted shapes.
type MigrationHook func(key string, payload map[string]any) (map[string]any, error)

// WithMigration appends a migration hook to the decode pipeline.
func WithMigration(hook MigrationHook) Option {
	return func(cfg *cellConfig) {
		if hook == nil {
			return
		}
		cfg.migrations = append(cfg.migrations, migrate.Hook(hook))
	}
}

func (cfg cellConfig) codecOrDefault() Codec {
	if cfg.codec != nil {
		return cfg.codec
	}
	return JSONCodec{}
}

func (cfg cellConfig) evaluatorLogger() EvaluatorLogger {
	if cfg.evalLogger != nil {
		return cfg.evalLogger
	}
	return noopEvaluatorLogger{}
}
