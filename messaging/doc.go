// Package messaging implements the request correlation and event dispatch
// primitives of the bridge.
//
// A single Dispatcher consumes every downward frame from the host. It keeps
// two registries:
//   - pending requests keyed by correlation token, resolved by Correlator.Invoke
//   - event subscriptions keyed by command name, fed to EventHandler callbacks
//
// Replies are matched on the delivery goroutine. Events go to a single
// handler goroutine in host order, so a handler may call Correlator.Invoke
// and wait for its reply. A handler that blocks delays later events but never
// replies.
//
// Example usage:
//
//	dispatcher := messaging.NewDispatcher(messaging.WithDispatcherLogger(logger))
//	err := transport.Subscriber().Subscribe(ctx, contracts.ChannelDown, dispatcher.HandleDelivery)
//
//	correlator, err := messaging.NewCorrelator(transport.Publisher(), dispatcher)
//	result, err := correlator.Invoke(ctx, "ns-ntApi", "nodeIKernelBuddyService/getBuddyList", false,
//		map[string]bool{"force_update": true})
//
//	sub, err := dispatcher.Subscribe("onBuddyListChange", func(ctx context.Context, payload json.RawMessage) {
//		// handle payload
//	})
//	defer dispatcher.Unsubscribe(sub)
package messaging
