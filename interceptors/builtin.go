package interceptors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotAllowed is returned for calls outside the allowlist
var ErrNotAllowed = errors.New("native call not allowed")

// LoggingInterceptor logs every call with its duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, inv *Invocation, next InvokeHandler) (json.RawMessage, error) {
	start := time.Now()

	result, err := next.Handle(ctx, inv)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("native call failed",
			"eventName", inv.EventName,
			"cmdName", inv.CmdName,
			"duration", duration,
			"error", err,
		)
		return nil, err
	}

	i.logger.Debug("native call completed",
		"eventName", inv.EventName,
		"cmdName", inv.CmdName,
		"duration", duration,
		"bytes", len(result),
	)
	return result, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds each call
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. A shorter deadline already on ctx wins.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, inv *Invocation, next InvokeHandler) (json.RawMessage, error) {
	if i.timeout <= 0 {
		return next.Handle(ctx, inv)
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next.Handle(ctx, inv)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// AllowlistInterceptor rejects calls whose event name is not listed
type AllowlistInterceptor struct {
	allowed map[string]struct{}
}

// NewAllowlistInterceptor allows calls to the given event names
func NewAllowlistInterceptor(eventNames ...string) *AllowlistInterceptor {
	allowed := make(map[string]struct{}, len(eventNames))
	for _, name := range eventNames {
		allowed[name] = struct{}{}
	}
	return &AllowlistInterceptor{allowed: allowed}
}

// Intercept implements Interceptor
func (i *AllowlistInterceptor) Intercept(ctx context.Context, inv *Invocation, next InvokeHandler) (json.RawMessage, error) {
	if _, ok := i.allowed[inv.EventName]; !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, inv.EventName, inv.CmdName)
	}
	return next.Handle(ctx, inv)
}

// Name implements Interceptor
func (i *AllowlistInterceptor) Name() string {
	return "AllowlistInterceptor"
}
