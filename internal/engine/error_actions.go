package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/davidmoltin/bizflow/pkg/metrics"
)

// Error-handling action kinds
const (
	ActionTryCatch       = "try_catch"
	ActionRetry          = "retry"
	ActionFallback       = "fallback"
	ActionCircuitBreaker = "circuit_breaker"
)

// RegisterErrorHandlingActions registers try_catch, retry, fallback and
// circuit_breaker on reg. Nested steps are validated against reg.
func RegisterErrorHandlingActions(reg *Registry, circuits CircuitStore, m *metrics.Metrics) error {
	actions := []Action{
		&TryCatchAction{registry: reg},
		&RetryAction{registry: reg},
		&FallbackAction{registry: reg},
		&CircuitBreakerAction{registry: reg, breaker: NewCircuitBreaker(circuits, m)},
	}
	for _, a := range actions {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// composite holds what every error-handling action shares
type composite struct{}

func (composite) InterpolatesLazily() bool { return true }

// decodeComposite resolves the scalar settings of a composite config and
// decodes it into dst. Keys naming nested steps are left uninterpolated.
func decodeComposite(runner StepRunner, raw map[string]interface{}, dst interface{}, stepKeys ...string) error {
	resolved := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		resolved[k] = v
	}

	if runner != nil {
	outer:
		for k, v := range raw {
			for _, sk := range stepKeys {
				if k == sk {
					continue outer
				}
			}
			resolved[k] = runner.Resolve(v)
		}
	}
	return DecodeConfig(resolved, dst)
}

func validateSteps(reg *Registry, steps ...InlineStep) error {
	for i, s := range steps {
		if err := reg.ValidateConfig(s.Action, s.Config); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Action, err)
		}
	}
	return nil
}

func runnerFrom(ctx context.Context) (StepRunner, error) {
	r, ok := RunnerFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: composite action needs an execution context", ErrInvalidConfig)
	}
	return r, nil
}

// TryCatchConfig configures try_catch
type TryCatchConfig struct {
	Try           []InlineStep `json:"try" validate:"required,min=1,dive"`
	Catch         []InlineStep `json:"catch" validate:"dive"`
	Finally       []InlineStep `json:"finally" validate:"dive"`
	Rethrow       bool         `json:"rethrow"`
	ErrorVariable string       `json:"error_variable"`
}

// TryCatchAction runs try steps, then catch steps on failure, then finally
// steps in every case
type TryCatchAction struct {
	composite
	registry *Registry
}

func (a *TryCatchAction) Kind() string { return ActionTryCatch }

func (a *TryCatchAction) ValidateConfig(raw map[string]interface{}) error {
	var cfg TryCatchConfig
	if err := decodeComposite(nil, raw, &cfg); err != nil {
		return err
	}
	steps := append(append(append([]InlineStep{}, cfg.Try...), cfg.Catch...), cfg.Finally...)
	return validateSteps(a.registry, steps...)
}

func (a *TryCatchAction) Execute(ctx context.Context, config map[string]interface{}, _ map[string]interface{}) (map[string]interface{}, error) {
	runner, err := runnerFrom(ctx)
	if err != nil {
		return nil, err
	}
	var cfg TryCatchConfig
	if err := decodeComposite(runner, config, &cfg, "try", "catch", "finally"); err != nil {
		return nil, err
	}
	errVar := cfg.ErrorVariable
	if errVar == "" {
		errVar = "error"
	}

	result := map[string]interface{}{
		"success": true,
		"caught":  false,
	}

	var tryErr error
	var failedStep string
	tryResults := make([]interface{}, 0, len(cfg.Try))
	for _, step := range cfg.Try {
		out, err := runner.RunStep(ctx, step)
		if err != nil {
			tryErr = err
			failedStep = stepName(step)
			break
		}
		tryResults = append(tryResults, out)
	}
	result["results"] = tryResults

	var catchErr error
	if tryErr != nil {
		result["success"] = false
		result["error"] = tryErr.Error()
		result["failed_step"] = failedStep

		if len(cfg.Catch) > 0 {
			result["caught"] = true
			runner.SetVariable(errVar, map[string]interface{}{
				"message": tryErr.Error(),
				"step":    failedStep,
			})
			for _, step := range cfg.Catch {
				if _, err := runner.RunStep(ctx, step); err != nil {
					catchErr = fmt.Errorf("catch step %s: %w", stepName(step), err)
					break
				}
			}
		}
	}

	var finallyErr error
	for _, step := range cfg.Finally {
		// finally runs even when the execution is being cancelled
		if _, err := runner.RunStep(context.WithoutCancel(ctx), step); err != nil {
			finallyErr = fmt.Errorf("finally step %s: %w", stepName(step), err)
			break
		}
	}

	switch {
	case catchErr != nil:
		return result, catchErr
	case tryErr != nil && (len(cfg.Catch) == 0 || cfg.Rethrow):
		return result, tryErr
	case finallyErr != nil:
		return result, finallyErr
	}
	return result, nil
}

// Backoff strategies of the retry action
const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// RetryConfig configures retry
type RetryConfig struct {
	Action          InlineStep `json:"action" validate:"required"`
	MaxRetries      int        `json:"max_retries" validate:"gte=0,lte=100"`
	Strategy        string     `json:"strategy" validate:"omitempty,oneof=fixed linear exponential"`
	DelaySeconds    float64    `json:"delay_seconds" validate:"gte=0"`
	MaxDelaySeconds float64    `json:"max_delay_seconds" validate:"gte=0"`
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		Strategy:        StrategyExponential,
		DelaySeconds:    1,
		MaxDelaySeconds: 60,
	}
}

// Backoff returns the delay after the given failed attempt (1-based)
func (c RetryConfig) Backoff(attempt int) time.Duration {
	var seconds float64
	switch c.Strategy {
	case StrategyLinear:
		seconds = c.DelaySeconds * float64(attempt)
	case StrategyExponential:
		seconds = c.DelaySeconds * math.Pow(2, float64(attempt-1))
	default:
		seconds = c.DelaySeconds
	}
	if c.MaxDelaySeconds > 0 && seconds > c.MaxDelaySeconds {
		seconds = c.MaxDelaySeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// RetryAttempt records one failed attempt
type RetryAttempt struct {
	Attempt      int     `json:"attempt"`
	Error        string  `json:"error"`
	DelaySeconds float64 `json:"delay_seconds"`
}

// RetryExhaustedError is returned when every attempt failed
type RetryExhaustedError struct {
	Attempts int
	History  []RetryAttempt
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Details returns the attempt history for the failed step record
func (e *RetryExhaustedError) Details() map[string]interface{} {
	history := make([]interface{}, 0, len(e.History))
	for _, h := range e.History {
		history = append(history, map[string]interface{}{
			"attempt":       h.Attempt,
			"error":         h.Error,
			"delay_seconds": h.DelaySeconds,
		})
	}
	return map[string]interface{}{
		"attempts": e.Attempts,
		"history":  history,
	}
}

// RetryAction retries one inline step with backoff
type RetryAction struct {
	composite
	registry *Registry
}

func (a *RetryAction) Kind() string { return ActionRetry }

func (a *RetryAction) ValidateConfig(raw map[string]interface{}) error {
	cfg := defaultRetryConfig()
	if err := decodeComposite(nil, raw, &cfg); err != nil {
		return err
	}
	return validateSteps(a.registry, cfg.Action)
}

func (a *RetryAction) Execute(ctx context.Context, config map[string]interface{}, _ map[string]interface{}) (map[string]interface{}, error) {
	runner, err := runnerFrom(ctx)
	if err != nil {
		return nil, err
	}
	cfg := defaultRetryConfig()
	if err := decodeComposite(runner, config, &cfg, "action"); err != nil {
		return nil, err
	}

	total := cfg.MaxRetries + 1
	history := make([]RetryAttempt, 0, total)
	var last error

	for attempt := 1; attempt <= total; attempt++ {
		out, err := runner.RunStep(ctx, cfg.Action)
		if err == nil {
			return map[string]interface{}{
				"success":  true,
				"attempts": attempt,
				"result":   out,
			}, nil
		}
		last = err

		rec := RetryAttempt{Attempt: attempt, Error: err.Error()}
		stop := attempt == total || IsAuthoringDefect(err) || ctx.Err() != nil
		if !stop {
			delay := cfg.Backoff(attempt)
			rec.DelaySeconds = delay.Seconds()
			history = append(history, rec)
			if err := runner.Sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrExecutionCanceled, err)
			}
			continue
		}
		history = append(history, rec)
		break
	}

	return nil, &RetryExhaustedError{
		Attempts: len(history),
		History:  history,
		Last:     last,
	}
}

// FallbackConfig configures fallback
type FallbackConfig struct {
	Primary   InlineStep   `json:"primary" validate:"required"`
	Fallbacks []InlineStep `json:"fallbacks" validate:"dive"`
}

// FallbackAction runs a primary step, then each fallback in order until
// one succeeds
type FallbackAction struct {
	composite
	registry *Registry
}

func (a *FallbackAction) Kind() string { return ActionFallback }

func (a *FallbackAction) ValidateConfig(raw map[string]interface{}) error {
	var cfg FallbackConfig
	if err := decodeComposite(nil, raw, &cfg); err != nil {
		return err
	}
	return validateSteps(a.registry, append([]InlineStep{cfg.Primary}, cfg.Fallbacks...)...)
}

func (a *FallbackAction) Execute(ctx context.Context, config map[string]interface{}, _ map[string]interface{}) (map[string]interface{}, error) {
	runner, err := runnerFrom(ctx)
	if err != nil {
		return nil, err
	}
	var cfg FallbackConfig
	if err := decodeComposite(runner, config, &cfg, "primary", "fallbacks"); err != nil {
		return nil, err
	}

	out, primaryErr := runner.RunStep(ctx, cfg.Primary)
	if primaryErr == nil {
		return map[string]interface{}{
			"result":        out,
			"used_fallback": false,
			"source":        stepName(cfg.Primary),
		}, nil
	}

	failures := []interface{}{primaryErr.Error()}
	for i, step := range cfg.Fallbacks {
		if ctx.Err() != nil {
			break
		}
		out, err := runner.RunStep(ctx, step)
		if err == nil {
			return map[string]interface{}{
				"result":         out,
				"used_fallback":  true,
				"fallback_index": i,
				"source":         stepName(step),
				"primary_error":  primaryErr.Error(),
			}, nil
		}
		failures = append(failures, err.Error())
	}

	return nil, &fallbackError{primary: primaryErr, failures: failures}
}

type fallbackError struct {
	primary  error
	failures []interface{}
}

func (e *fallbackError) Error() string {
	return fmt.Sprintf("all fallbacks failed: %v", e.primary)
}

func (e *fallbackError) Unwrap() error { return e.primary }

func (e *fallbackError) Details() map[string]interface{} {
	return map[string]interface{}{"errors": e.failures}
}

// CircuitBreakerConfig configures circuit_breaker
type CircuitBreakerConfig struct {
	CircuitID           string     `json:"circuit_id" validate:"required"`
	Action              InlineStep `json:"action" validate:"required"`
	FailureThreshold    int        `json:"failure_threshold" validate:"gte=1"`
	ResetTimeoutSeconds float64    `json:"reset_timeout_seconds" validate:"gte=0"`
}

// CircuitBreakerAction guards one inline step with a named circuit
type CircuitBreakerAction struct {
	composite
	registry *Registry
	breaker  *CircuitBreaker
}

func (a *CircuitBreakerAction) Kind() string { return ActionCircuitBreaker }

func (a *CircuitBreakerAction) ValidateConfig(raw map[string]interface{}) error {
	cfg := CircuitBreakerConfig{FailureThreshold: 5, ResetTimeoutSeconds: 60}
	if err := decodeComposite(nil, raw, &cfg); err != nil {
		return err
	}
	return validateSteps(a.registry, cfg.Action)
}

func (a *CircuitBreakerAction) Execute(ctx context.Context, config map[string]interface{}, _ map[string]interface{}) (map[string]interface{}, error) {
	runner, err := runnerFrom(ctx)
	if err != nil {
		return nil, err
	}
	cfg := CircuitBreakerConfig{FailureThreshold: 5, ResetTimeoutSeconds: 60}
	if err := decodeComposite(runner, config, &cfg, "action"); err != nil {
		return nil, err
	}

	policy := CircuitPolicy{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.ResetTimeoutSeconds * float64(time.Second)),
	}
	out, state, err := a.breaker.Call(ctx, cfg.CircuitID, policy, func(ctx context.Context) (map[string]interface{}, error) {
		return runner.RunStep(ctx, cfg.Action)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return map[string]interface{}{"circuit_state": string(state)}, err
		}
		return nil, err
	}
	return map[string]interface{}{
		"result":        out,
		"circuit_state": string(state),
	}, nil
}

func stepName(s InlineStep) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Action
}
