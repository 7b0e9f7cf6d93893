// Package interceptors wraps outbound native calls with cross-cutting
// behavior.
//
// An Interceptor sees every Invocation before it reaches the correlator and
// decides whether and how to pass it on:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewAllowlistInterceptor("ns-ntApi", "ns-NodeStoreApi")).
//		Add(interceptors.NewTimeoutInterceptor(10 * time.Second)).
//		Add(interceptors.NewLoggingInterceptor(logger))
//
//	invoker := chain.Wrap(correlator)
//
// Interceptors run in the order they are added; the wrapped invoker runs last.
package interceptors
