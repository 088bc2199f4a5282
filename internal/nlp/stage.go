package nlp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/common/metrics"
	"fleet-compiler/internal/llm"
)

// Options are shared by all three stages.
type Options struct {
	Timeout time.Duration
	Cache   Cache
}

// runner performs one model call for one stage. It is stateless apart from
// the cache.
type runner struct {
	stage   apperrors.Stage
	name    string
	model   llm.Generator
	cache   Cache
	timeout time.Duration
	logger  logger.Logger
}

func newRunner(name string, stage apperrors.Stage, model llm.Generator, opts Options, log logger.Logger) *runner {
	cache := opts.Cache
	if cache == nil {
		cache = NoopCache()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &runner{
		stage:   stage,
		name:    name,
		model:   model,
		cache:   cache,
		timeout: timeout,
		logger:  logger.Component(log, "nlp").WithFields(map[string]interface{}{"stage": name}),
	}
}

type callResult struct {
	payload map[string]interface{}
	err     error
}

// call returns a validated payload for the prompt. The model call runs
// detached from ctx: if ctx is cancelled the call still finishes and may
// populate the cache, but its result is dropped here.
func (r *runner) call(ctx context.Context, key, prompt string, promptContext map[string]interface{}, check func(map[string]interface{}) error) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.WithStage(apperrors.NewRequestCancelledError(err), r.stage)
	}

	if payload, ok := r.cache.Get(ctx, key); ok {
		if err := check(payload); err == nil {
			r.logger.Debug("cache hit", map[string]interface{}{"key": key})
			metrics.NLPCacheLookups.WithLabelValues(r.name, "hit").Inc()
			return payload, nil
		}
	}
	metrics.NLPCacheLookups.WithLabelValues(r.name, "miss").Inc()

	done := make(chan callResult, 1)
	go func() {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		payload, err := r.model.Generate(callCtx, prompt, promptContext)
		if err == nil {
			err = check(payload)
			if err == nil {
				r.cache.Set(callCtx, key, payload)
			}
		}
		done <- callResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, r.mapError(res.err)
		}
		return res.payload, nil
	case <-ctx.Done():
		r.logger.Warn("request cancelled while awaiting model", map[string]interface{}{"error": ctx.Err().Error()})
		return nil, apperrors.WithStage(apperrors.NewRequestCancelledError(ctx.Err()), r.stage)
	}
}

func (r *runner) mapError(err error) error {
	var mapped *apperrors.StandardError
	switch {
	case apperrors.Is(err, apperrors.ErrCodeModelResponseInvalid):
		mapped, _ = apperrors.As(err)
	case errors.Is(err, llm.ErrModelResponse):
		mapped = apperrors.NewModelResponseError(err.Error())
	case errors.Is(err, llm.ErrModelUnavailable), errors.Is(err, context.DeadlineExceeded):
		mapped = apperrors.NewModelUnavailableError(err)
	default:
		mapped = apperrors.NewModelUnavailableError(err)
	}
	r.logger.Error("stage failed", map[string]interface{}{
		"errorCode": string(mapped.Code),
		"error":     err.Error(),
	})
	return apperrors.WithStage(mapped, r.stage)
}

// invalid builds the error for a structurally bad payload.
func invalid(format string, args ...interface{}) error {
	return apperrors.NewModelResponseError(fmt.Sprintf(format, args...))
}

// confidenceOf reads a required confidence in [0,1].
func confidenceOf(payload map[string]interface{}, key string) (float64, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return 0, invalid("missing %q", key)
	}
	c, ok := toFloat(raw)
	if !ok {
		return 0, invalid("%q is not a number", key)
	}
	if math.IsNaN(c) || c < 0 || c > 1 {
		return 0, invalid("%q out of range [0,1]: %v", key, c)
	}
	return c, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
