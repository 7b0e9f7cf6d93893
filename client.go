// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nativebridge exposes a host application's native services over a
// pair of IPC channels: correlated request/reply calls, event subscriptions
// and a uin/uid lookup cache fed by friend list events.
package nativebridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/nativebridge/contracts"
	"github.com/glimte/nativebridge/identity"
	"github.com/glimte/nativebridge/interceptors"
	"github.com/glimte/nativebridge/messaging"
)

// Native is the capability surface handed to callers
type Native struct {
	transport  messaging.Transport
	dispatcher *messaging.Dispatcher
	correlator *messaging.Correlator
	invoker    messaging.Invoker
	identity   *identity.Cache
	logger     *slog.Logger
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closeErr   error
}

// config holds Native configuration
type config struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	dispatchAll    bool
	metrics        messaging.Metrics
	identityCache  bool
	refreshTimeout time.Duration
	interceptors   []interceptors.Interceptor
}

// Option configures Native
type Option func(*config)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithRequestTimeout bounds calls whose context carries no deadline.
// Zero leaves them bounded only by their context.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.requestTimeout = timeout
	}
}

// WithDispatchAllEntries dispatches every entry of an event frame instead
// of only the first
func WithDispatchAllEntries(enabled bool) Option {
	return func(cfg *config) {
		cfg.dispatchAll = enabled
	}
}

// WithMetrics reports request and event activity to metrics
func WithMetrics(metrics messaging.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = metrics
	}
}

// WithoutIdentityCache skips the friend list subscription and the startup
// refresh. Lookups then always miss.
func WithoutIdentityCache() Option {
	return func(cfg *config) {
		cfg.identityCache = false
	}
}

// WithRefreshTimeout bounds the startup friend list request
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.refreshTimeout = timeout
	}
}

// WithInterceptors runs every InvokeNative call through interceptors, in
// order. The identity cache refresh bypasses them.
func WithInterceptors(chain ...interceptors.Interceptor) Option {
	return func(cfg *config) {
		cfg.interceptors = append(cfg.interceptors, chain...)
	}
}

// New connects transport, starts dispatching the downward channel and
// starts the identity cache. Native owns transport from here on and closes
// it in Close.
func New(ctx context.Context, transport messaging.Transport, opts ...Option) (*Native, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	cfg := &config{
		logger:         slog.Default(),
		identityCache:  true,
		refreshTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	}

	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithDispatcherLogger(cfg.logger),
		messaging.WithDispatchAllEntries(cfg.dispatchAll),
	}
	correlatorOpts := []messaging.CorrelatorOption{
		messaging.WithCorrelatorLogger(cfg.logger),
		messaging.WithDefaultTimeout(cfg.requestTimeout),
	}
	if cfg.metrics != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithDispatcherMetrics(cfg.metrics))
		correlatorOpts = append(correlatorOpts, messaging.WithCorrelatorMetrics(cfg.metrics))
	}

	dispatcher := messaging.NewDispatcher(dispatcherOpts...)

	correlator, err := messaging.NewCorrelator(transport.Publisher(), dispatcher, correlatorOpts...)
	if err != nil {
		transport.Close()
		return nil, err
	}

	// the downward subscription lives until Close, not until ctx ends
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	chain := interceptors.NewInterceptorChain(cfg.logger)
	for _, interceptor := range cfg.interceptors {
		chain.Add(interceptor)
	}

	n := &Native{
		transport:  transport,
		dispatcher: dispatcher,
		correlator: correlator,
		invoker:    chain.Wrap(correlator),
		logger:     cfg.logger,
		cancel:     cancel,
	}

	if err := transport.Subscriber().Subscribe(runCtx, contracts.ChannelDown, dispatcher.HandleDelivery); err != nil {
		cancel()
		dispatcher.Close()
		transport.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", contracts.ChannelDown, err)
	}

	if cfg.identityCache {
		cache, err := identity.NewCache(dispatcher, correlator,
			identity.WithLogger(cfg.logger),
			identity.WithRefreshTimeout(cfg.refreshTimeout),
		)
		if err == nil {
			err = cache.Start(runCtx)
		}
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to start identity cache: %w", err)
		}
		n.identity = cache
	}

	n.logger.Info("native bridge ready",
		"channelUp", contracts.ChannelUp,
		"channelDown", contracts.ChannelDown,
		"identityCache", cfg.identityCache,
	)
	return n, nil
}

// InvokeNative calls cmdName on the host event eventName and returns the
// host's result. It fails with contracts.ErrRequestCancelled when ctx ends
// first and with contracts.ErrBridgeClosed when Native closes first.
func (n *Native) InvokeNative(ctx context.Context, eventName, cmdName string, registered bool, args ...any) (json.RawMessage, error) {
	return n.invoker.Invoke(ctx, eventName, cmdName, registered, args...)
}

// Invoke implements messaging.Invoker
func (n *Native) Invoke(ctx context.Context, eventName, cmdName string, registered bool, args ...any) (json.RawMessage, error) {
	return n.InvokeNative(ctx, eventName, cmdName, registered, args...)
}

// SubscribeEvent calls handler with the payload of every event named cmdName.
// The returned handle is the only way to remove the subscription.
func (n *Native) SubscribeEvent(cmdName string, handler messaging.EventHandler) (*messaging.Subscription, error) {
	return n.dispatcher.Subscribe(cmdName, handler)
}

// UnsubscribeEvent removes a subscription. Unknown handles are ignored.
func (n *Native) UnsubscribeEvent(sub *messaging.Subscription) {
	n.dispatcher.Unsubscribe(sub)
}

// ConvertUinToUid looks up the uid of a friend's uin
func (n *Native) ConvertUinToUid(uin string) (string, bool) {
	if n.identity == nil {
		return "", false
	}
	return n.identity.ConvertUinToUid(uin)
}

// ConvertUidToUin looks up the uin of a friend's uid
func (n *Native) ConvertUidToUin(uid string) (string, bool) {
	if n.identity == nil {
		return "", false
	}
	return n.identity.ConvertUidToUin(uid)
}

// Pending returns the number of requests waiting for a reply
func (n *Native) Pending() int {
	return n.correlator.Pending()
}

// Identity returns the identity cache, or nil when it is disabled
func (n *Native) Identity() *identity.Cache {
	return n.identity
}

// Transport returns the underlying transport
func (n *Native) Transport() messaging.Transport {
	return n.transport
}

// Close stops the identity cache, releases waiting requests with
// contracts.ErrBridgeClosed and closes the transport. It may be called from
// an event handler.
func (n *Native) Close() error {
	n.closeOnce.Do(func() {
		var errs []error

		if n.identity != nil {
			if err := n.identity.Close(); err != nil {
				errs = append(errs, fmt.Errorf("identity cache: %w", err))
			}
		}
		if err := n.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", err))
		}
		if err := n.transport.Subscriber().Unsubscribe(contracts.ChannelDown); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", contracts.ChannelDown, err))
		}
		n.cancel()
		if err := n.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}

		n.closeErr = errors.Join(errs...)
		n.logger.Info("native bridge closed")
	})
	return n.closeErr
}
