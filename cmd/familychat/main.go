// Command familychat runs the family chat server: the REST API, the realtime
// gateway and the AI assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/snie2012/family-chat-local-ai/api"
	"github.com/snie2012/family-chat-local-ai/auth"
	"github.com/snie2012/family-chat-local-ai/bot"
	"github.com/snie2012/family-chat-local-ai/config"
	"github.com/snie2012/family-chat-local-ai/gateway"
	"github.com/snie2012/family-chat-local-ai/metrics"
	"github.com/snie2012/family-chat-local-ai/ollama"
	"github.com/snie2012/family-chat-local-ai/postgres"
	"github.com/snie2012/family-chat-local-ai/push"
	"github.com/snie2012/family-chat-local-ai/ratelimit"
	"github.com/snie2012/family-chat-local-ai/redis"
	"github.com/snie2012/family-chat-local-ai/settings"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	authn := auth.New(logger, pg, cfg.JWTSecret, cfg.JWTExpiry)
	adminHash, err := authn.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	err = pg.Seed(ctx, postgres.SeedOptions{
		BotDisplayName:    cfg.BotDisplayName,
		AdminUsername:     cfg.AdminUsername,
		AdminDisplayName:  cfg.AdminDisplayName,
		AdminPasswordHash: adminHash,
	})
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	botSettings := settings.New(logger, pg, api.BotSettings{
		Model:        cfg.OllamaModel,
		SystemPrompt: cfg.BotSystemPrompt,
	})
	if err := botSettings.Load(ctx); err != nil {
		return err
	}

	llm := ollama.NewClient(ollama.Config{
		BaseURL:      cfg.OllamaHost,
		DefaultModel: cfg.OllamaModel,
	})
	if err := llm.CheckRunning(ctx); err != nil {
		logger.Warn("Ollama is not reachable, the assistant will report errors until it is", "host", cfg.OllamaHost, "error", err.Error())
	}

	gw := &gateway.Gateway{
		Logger:   logger.With("component", "gateway"),
		Auth:     authn,
		Store:    pg,
		Throttle: ratelimit.NewThrottle(0, 0),
		Policy:   &bot.Policy{Store: pg},
		Metrics:  m,
	}
	responder := &bot.Responder{
		Logger:      logger.With("component", "bot"),
		Store:       pg,
		LLM:         llm,
		Settings:    botSettings,
		Out:         gw,
		Metrics:     m,
		History:     cfg.BotHistory,
		IdleTimeout: cfg.StreamIdleTimeout,
	}
	gw.Bot = responder

	g, ctx := errgroup.WithContext(ctx)

	if cfg.RedisAddr != "" {
		rdb, err := redis.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		gw.Cache = rdb
		gw.Limiter = rdb.NewLimiter(logger.With("component", "ratelimit"), cfg.RateLimitMax, cfg.RateLimitWindow)
		responder.Cache = rdb
	} else {
		window := ratelimit.NewWindow(cfg.RateLimitMax, cfg.RateLimitWindow)
		gw.Limiter = window
		g.Go(func() error {
			every(ctx, time.Minute, window.Prune)
			return nil
		})
	}

	pusher := push.New(logger.With("component", "push"), pg, cfg.PushSubject)
	pusher.Metrics = m
	a := &api.API{
		Logger:   logger.With("component", "api"),
		DB:       pg,
		Auth:     authn,
		Settings: botSettings,
		Models:   llm,
		Realtime: gw,
		Metrics:  m.Handler(),
	}
	if err := pusher.Init(ctx); err != nil {
		logger.Error("Push notifications disabled", "error", err.Error())
	} else {
		gw.Push = pusher
		a.Push = pusher
	}

	sweeper := &bot.Sweeper{
		Logger:  logger.With("component", "sweeper"),
		Store:   pg,
		Out:     gw,
		Active:  responder,
		Metrics: m,
		After:   cfg.StaleStreamAfter,
	}
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("Listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not closed by srv.Shutdown.
		gwErr := gw.Shutdown(sctx)
		return errors.Join(srv.Shutdown(sctx), gwErr)
	})
	return g.Wait()
}

// every calls fn on each tick of interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
