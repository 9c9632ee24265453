package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/tether/internal/config"
	"github.com/dyluth/tether/internal/printer"
	"github.com/dyluth/tether/pkg/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newDialer(t config.TransportConfig) (transport.Dialer, error) {
	switch t.Driver {
	case config.DriverRedis:
		opts, err := redis.ParseURL(t.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		return &transport.RedisDialer{Options: opts, Namespace: t.Namespace}, nil
	default:
		return &transport.WebSocketDialer{URL: t.URL}, nil
	}
}

// connect opens an authenticated channel. The caller closes it.
func connect(ctx context.Context, cfg *config.TetherConfig, logger *zap.Logger) (*transport.Channel, error) {
	t := cfg.Transport
	if t.URL == "" {
		return nil, printer.Error(
			"no server URL",
			"A push server URL is required.",
			[]string{
				"Pass it as a flag:\n  tether --url ws://localhost:8080/ws <command>",
				fmt.Sprintf("Set %s or transport.url in %s", config.EnvURL, config.DefaultPath),
			},
		)
	}

	dialer, err := newDialer(t)
	if err != nil {
		return nil, printer.Error("invalid transport URL", err.Error(), nil)
	}

	ch, err := transport.NewChannel(transport.Options{
		Dialer: dialer,
		Config: cfg.ChannelConfig(),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Connect(ctx, t.Token); err != nil {
		ch.Close()
		return nil, printer.ErrorWithContext(
			"connection failed",
			fmt.Sprintf("Could not connect: %v", err),
			map[string]string{"URL": t.URL, "Driver": t.Driver},
			[]string{"Check the server is running and the token is valid"},
		)
	}
	return ch, nil
}
