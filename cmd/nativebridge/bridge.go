package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/glimte/nativebridge"
	"github.com/glimte/nativebridge/contracts"
	"github.com/glimte/nativebridge/interceptors"
	"github.com/glimte/nativebridge/internal/config"
	irabbitmq "github.com/glimte/nativebridge/internal/rabbitmq"
	"github.com/glimte/nativebridge/messaging"
	"github.com/glimte/nativebridge/monitor"
	"github.com/glimte/nativebridge/transports/memory"
	"github.com/glimte/nativebridge/transports/rabbitmq"
	"github.com/glimte/nativebridge/transports/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// bridgeRun is an open bridge plus the optional monitor server
type bridgeRun struct {
	native *nativebridge.Native
	server *monitor.Server
	logger *slog.Logger
}

func openBridge(ctx context.Context, cfg config.Config, logOut io.Writer) (*bridgeRun, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []nativebridge.Option{
		nativebridge.WithLogger(logger),
		nativebridge.WithRequestTimeout(cfg.RequestTimeout),
		nativebridge.WithDispatchAllEntries(cfg.DispatchAll),
	}
	if len(cfg.AllowedEvents) > 0 {
		opts = append(opts, nativebridge.WithInterceptors(interceptors.NewAllowlistInterceptor(cfg.AllowedEvents...)))
	}
	opts = append(opts, nativebridge.WithInterceptors(interceptors.NewLoggingInterceptor(logger)))
	if !cfg.IdentityCache {
		opts = append(opts, nativebridge.WithoutIdentityCache())
	}

	var registry *prometheus.Registry
	if cfg.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		opts = append(opts, nativebridge.WithMetrics(monitor.NewCollector(registry)))
	}

	native, err := nativebridge.New(ctx, transport, opts...)
	if err != nil {
		return nil, err
	}

	run := &bridgeRun{native: native, logger: logger}
	if registry != nil {
		health := monitor.NewRegistry()
		health.Register(monitor.NewTransportChecker(cfg.Transport, transport))
		health.Register(monitor.NewPendingChecker(native, cfg.PendingThreshold))

		run.server = monitor.NewServer(cfg.MetricsAddr, registry, health, monitor.WithServerLogger(logger))
		if _, err := run.server.Start(); err != nil {
			native.Close()
			return nil, fmt.Errorf("failed to start monitor server: %w", err)
		}
	}
	return run, nil
}

func (r *bridgeRun) Close() error {
	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.server.Shutdown(ctx); err != nil {
			r.logger.Warn("monitor server shutdown failed", "error", err)
		}
	}
	return r.native.Close()
}

func newTransport(cfg config.Config, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		t := memory.NewTransport(memory.WithLogger(logger))
		t.Respond(echoHost)
		return t, nil
	case config.TransportRabbitMQ:
		return rabbitmq.NewTransport(cfg.AMQPURL,
			rabbitmq.WithConnectionOptions(irabbitmq.WithLogger(logger)),
			rabbitmq.WithPublisherOptions(irabbitmq.WithPublisherLogger(logger)),
			rabbitmq.WithConsumerOptions(irabbitmq.WithConsumerLogger(logger)),
		), nil
	case config.TransportWebSocket:
		return websocket.NewTransport(cfg.WebSocketURL, websocket.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// echoReply is what the in-process host answers every request with
type echoReply struct {
	EventName string            `json:"eventName"`
	CmdName   string            `json:"cmdName"`
	Args      []json.RawMessage `json:"args"`
}

// echoHost stands in for the host on the memory transport
func echoHost(ctx context.Context, envelope *contracts.RequestEnvelope, args []json.RawMessage) (any, error) {
	reply := echoReply{EventName: envelope.EventName, Args: []json.RawMessage{}}
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &reply.CmdName); err != nil {
			return nil, err
		}
		reply.Args = append(reply.Args, args[1:]...)
	}
	return reply, nil
}
