package interceptors

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/glimte/nativebridge/messaging"
)

// Invocation is one outbound native call
type Invocation struct {
	EventName  string
	CmdName    string
	Registered bool
	Args       []any
}

// InvokeHandler handles an invocation in the chain
type InvokeHandler interface {
	Handle(ctx context.Context, inv *Invocation) (json.RawMessage, error)
}

// InvokeHandlerFunc is a function adapter for InvokeHandler
type InvokeHandlerFunc func(ctx context.Context, inv *Invocation) (json.RawMessage, error)

// Handle implements InvokeHandler
func (f InvokeHandlerFunc) Handle(ctx context.Context, inv *Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

// Interceptor processes an invocation before it reaches the host
type Interceptor interface {
	// Intercept handles inv and usually calls next
	Intercept(ctx context.Context, inv *Invocation, next InvokeHandler) (json.RawMessage, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, inv *Invocation, next InvokeHandler) (json.RawMessage, error)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, inv *Invocation, next InvokeHandler) (json.RawMessage, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, inv *Invocation, next InvokeHandler) (json.RawMessage, error) {
	return i.fn(ctx, inv, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain is an ordered list of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates an empty chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterceptorChain{logger: logger}
}

// Add appends interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Execute runs inv through every interceptor and then final
func (c *InterceptorChain) Execute(ctx context.Context, inv *Invocation, final InvokeHandler) (json.RawMessage, error) {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = InvokeHandlerFunc(func(ctx context.Context, inv *Invocation) (json.RawMessage, error) {
			return interceptor.Intercept(ctx, inv, next)
		})
	}
	return handler.Handle(ctx, inv)
}

// Wrap returns an invoker that sends every call through the chain before
// invoker
func (c *InterceptorChain) Wrap(invoker messaging.Invoker) messaging.Invoker {
	if len(c.interceptors) == 0 {
		return invoker
	}
	return &chainInvoker{chain: c, invoker: invoker}
}

type chainInvoker struct {
	chain   *InterceptorChain
	invoker messaging.Invoker
}

// Invoke implements messaging.Invoker
func (ci *chainInvoker) Invoke(ctx context.Context, eventName, cmdName string, registered bool, args ...any) (json.RawMessage, error) {
	inv := &Invocation{
		EventName:  eventName,
		CmdName:    cmdName,
		Registered: registered,
		Args:       args,
	}
	return ci.chain.Execute(ctx, inv, InvokeHandlerFunc(func(ctx context.Context, inv *Invocation) (json.RawMessage, error) {
		return ci.invoker.Invoke(ctx, inv.EventName, inv.CmdName, inv.Registered, inv.Args...)
	}))
}
