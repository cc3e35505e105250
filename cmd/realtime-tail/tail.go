package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tmaxmax/eventsource"
	"github.com/tmaxmax/eventsource/internal/config"
	"github.com/tmaxmax/eventsource/realtime"
	"github.com/tmaxmax/eventsource/transport"
	"github.com/urfave/cli/v3"
)

func tail(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout, c.Bool("raw"))

	if path := c.String("write-config"); path != "" {
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		out.status("configuration written to %s", path)
		return nil
	}

	logger := log.New(os.Stderr, "realtime-tail: ", log.LstdFlags)

	m, err := realtime.New(cfg.URL, managerOptions(cfg, logger)...)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}
	defer m.Close()

	// The stream is already being opened; attach before the handshake can arrive.
	if err := m.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for _, topic := range cfg.Topics {
		var perr *realtime.PostError
		if err := m.Subscribe(ctx, topic, out.callback(topic)); errors.As(err, &perr) {
			// Kept locally and announced again after the next handshake.
			out.status("subscribe to %s: %v", topic, err)
		} else if err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	}

	out.status("listening on %s for %s", cfg.URL, strings.Join(cfg.Topics, ", "))

	if path := c.String("config"); c.Bool("watch") && path != "" {
		go func() {
			if err := watchConfig(ctx, path, func(next *config.Config) { applyTopics(ctx, m, next, out) }); err != nil {
				logger.Printf("watch %s: %v", path, err)
			}
		}()
	}

	<-ctx.Done()

	return nil
}

// loadConfig reads the configuration file, if any, and applies the flags over it.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if c.IsSet("url") {
		cfg.URL = c.String("url")
	}
	if c.IsSet("topic") {
		if c.Bool("watch") {
			return nil, errors.New("--topic cannot be combined with --watch, which takes the topics from the config file")
		}
		cfg.Topics = c.StringSlice("topic")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = config.Duration{Duration: c.Duration("timeout")}
	}
	for _, h := range c.StringSlice("header") {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q", h)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		cfg.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("no topics provided (flag --topic or config topics required)")
	}

	return cfg, nil
}

func managerOptions(cfg *config.Config, logger *log.Logger) []realtime.Option {
	client := &transport.Client{
		MaxRetries:              cfg.Reconnect.MaxRetries,
		DefaultReconnectionTime: cfg.Reconnect.Initial.Duration,
		MaxReconnectionTime:     cfg.Reconnect.Max.Duration,
		OnRetry: func(err error, d time.Duration) {
			logger.Printf("reconnecting in %s: %v", d, err)
		},
	}

	opts := []realtime.Option{
		realtime.WithSourceOptions(eventsource.WithClient(client), eventsource.WithLogger(logger)),
		realtime.WithLogger(logger),
		realtime.WithTimeout(cfg.Timeout.Duration),
		realtime.WithConnectEvents(cfg.ConnectEvents...),
		realtime.WithTopicEvents(cfg.TopicEvents),
	}
	if cfg.RegistrationURL != "" {
		opts = append(opts, realtime.WithRegistrationURL(cfg.RegistrationURL))
	}
	if len(cfg.Headers) > 0 {
		h := http.Header{}
		for name, value := range cfg.Headers {
			h.Set(name, value)
		}
		opts = append(opts, realtime.WithHeader(h))
	}

	return opts
}

// applyTopics brings the subscriptions of m in line with the topics of cfg.
func applyTopics(ctx context.Context, m *realtime.Manager, cfg *config.Config, out *printer) {
	current := m.Topics()

	wanted := make(map[string]struct{}, len(cfg.Topics))
	for _, t := range cfg.Topics {
		wanted[t] = struct{}{}
	}

	for _, t := range current {
		if _, ok := wanted[t]; ok {
			continue
		}
		if err := m.Unsubscribe(ctx, t); err != nil && !errors.Is(err, realtime.ErrUnknownTopic) {
			out.status("unsubscribe from %s: %v", t, err)
			continue
		}
		out.status("unsubscribed from %s", t)
	}

	for _, t := range cfg.NewTopics(current) {
		if err := m.Subscribe(ctx, t, out.callback(t)); err != nil {
			out.status("subscribe to %s: %v", t, err)
			continue
		}
		out.status("subscribed to %s", t)
	}
}
