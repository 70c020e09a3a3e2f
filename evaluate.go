package persisted

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/goliatone/go-persisted/pkg/activity"
)

// Evaluate executes expr against a snapshot of the current value and wraps the
// result. The snapshot is bound as "value" in the expression environment,
// alongside "key", "now", "args" and "metadata".
func (c *Cell[T]) Evaluate(expr string) (Response[any], error) {
	if expr == "" {
		return Response[any]{}, fmt.Errorf("persisted: expression must not be empty")
	}
	snapshot, err := c.snapshot()
	if err != nil {
		return Response[any]{}, err
	}
	return c.evaluateContext(EvalContext{Snapshot: snapshot, Key: c.key}, expr)
}

// EvaluateWith executes expr using ctx, falling back to a snapshot of the
// current value when ctx.Snapshot is nil.
func (c *Cell[T]) EvaluateWith(ctx EvalContext, expr string) (Response[any], error) {
	if expr == "" {
		return Response[any]{}, fmt.Errorf("persisted: expression must not be empty")
	}
	if ctx.Snapshot == nil {
		snapshot, err := c.snapshot()
		if err != nil {
			return Response[any]{}, err
		}
		ctx.Snapshot = snapshot
	}
	return c.evaluateContext(ctx.withDefaultKey(c.key), expr)
}

// Apply evaluates expr and commits its result as the next value. Unlike Set,
// the result is untrusted: it is validated through the schema before the
// update and persist steps run. The whole sequence is atomic with respect to
// this cell.
func (c *Cell[T]) Apply(ctx context.Context, expr string) error {
	if expr == "" {
		return fmt.Errorf("persisted: expression must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	snapshot, err := c.snapshot()
	if err != nil {
		return err
	}
	result, err := c.evaluateContext(EvalContext{Snapshot: snapshot, Key: c.key}, expr)
	if err != nil {
		return err
	}
	value, err := c.schema.Parse(ctx, result.Value)
	if err != nil {
		return &ValidationError{Key: c.key, Err: err}
	}
	return c.commit(ctx, activity.OpApply, value)
}

func (c *Cell[T]) evaluateContext(ectx EvalContext, expr string) (Response[any], error) {
	evaluator, err := c.resolveEvaluator()
	if err != nil {
		return Response[any]{}, err
	}
	ectx = ectx.withDefaults()
	engine := evaluatorEngineName(evaluator)
	start := time.Now()
	value, evalErr := evaluator.Evaluate(ectx, expr)
	duration := time.Since(start)
	evalErr = wrapEvaluationError(engine, expr, ectx.keyLabel(), evalErr)
	c.cfg.evaluatorLogger().LogEvaluation(EvaluatorLogEvent{
		Engine:   engine,
		Expr:     expr,
		Key:      ectx.keyLabel(),
		Duration: duration,
		Err:      evalErr,
	})
	if evalErr != nil {
		return Response[any]{}, evalErr
	}
	return Response[any]{Value: value}, nil
}

func (c *Cell[T]) resolveEvaluator() (Evaluator, error) {
	if c.cfg.evaluator != nil {
		return c.cfg.evaluator, nil
	}
	c.evalOnce.Do(func() {
		var exprOpts []ExprEvaluatorOption
		if cache := c.cfg.programCache; cache != nil {
			exprOpts = append(exprOpts, ExprWithProgramCache(cache))
		}
		if registry := c.cfg.functions; registry != nil {
			exprOpts = append(exprOpts, ExprWithFunctionRegistry(registry))
		}
		c.defaultEval = NewExprEvaluator(exprOpts...)
	})
	if c.defaultEval == nil {
		return nil, ErrNoEvaluator
	}
	return c.defaultEval, nil
}

// snapshot renders the current value as plain JSON-shaped data (maps, slices,
// strings, float64 numbers) for expression environments, regardless of the
// storage codec.
func (c *Cell[T]) snapshot() (any, error) {
	raw, err := json.Marshal(c.value.Get())
	if err != nil {
		return nil, fmt.Errorf("persisted: snapshot %q: %w", c.key, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("persisted: snapshot %q: %w", c.key, err)
	}
	return out, nil
}

func evaluatorEngineName(e Evaluator) string {
	if e == nil {
		return "unknown"
	}
	switch fmt.Sprintf("%T", e) {
	case "*persisted.exprEvaluator":
		return "expr"
	case "*persisted.celEvaluator":
		return "cel"
	case "*persisted.jsEvaluator":
		return "js"
	default:
		return "custom"
	}
}
