// Command callgw runs the telephony call gateway: it receives call
// webhooks and media sockets from the telephony provider, bridges the
// caller to a realtime AI session, and exposes an operator API for
// placing and managing calls.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aiappsgbb/gpt-realtime-agents/internal/dotenv"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/bridge"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/core/tools"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/calls"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/cdr"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/config"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/events"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/lifecycle"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/notify"
	gatewayserver "github.com/aiappsgbb/gpt-realtime-agents/pkg/gateway/server"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/realtime"
	"github.com/aiappsgbb/gpt-realtime-agents/pkg/telephony"
)

func envFileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "env-file",
		Usage:   "dotenv file loaded before reading configuration",
		Value:   ".env",
		Sources: cli.EnvVars("CALLGW_ENV_FILE"),
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "callgw",
		Usage: "telephony gateway bridging phone calls to realtime AI sessions",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the gateway",
				Flags:  []cli.Flag{envFileFlag()},
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "apply the call record database schema and exit",
				Flags:  []cli.Flag{envFileFlag()},
				Action: runMigrate,
			},
		},
	}
}

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "callgw: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, c *cli.Command) error {
	if err := dotenv.LoadFile(c.String("env-file")); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return runGateway(ctx, cfg, logger)
}

func runMigrate(ctx context.Context, c *cli.Command) error {
	if err := dotenv.LoadFile(c.String("env-file")); err != nil {
		return err
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL must be set")
	}
	if err := cdr.Migrate(ctx, dsn); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout: media sockets hold their connection for the life
	// of a call.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func bridgeConfig(cfg config.Config) bridge.Config {
	bc := bridge.DefaultConfig()
	bc.ChunkDurationMs = cfg.ChunkDurationMs
	bc.CaptureQueueDepth = cfg.CaptureQueueDepth
	bc.PlayoutQueueDepth = cfg.PlayoutQueueDepth
	return bc
}

func runGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	provider, err := telephony.NewProvider(telephony.Config{
		BaseURL:        cfg.ProviderBaseURL,
		AuthToken:      cfg.ProviderToken,
		CallerID:       cfg.CallerID,
		MediaStreamURL: cfg.MediaStreamURL(),
	}, logger)
	if err != nil {
		return fmt.Errorf("telephony provider: %w", err)
	}

	dialAI := func(ctx context.Context, callID string) (calls.AISession, error) {
		return realtime.Dial(ctx, realtime.Config{
			APIKey:       cfg.AIAPIKey,
			BaseURL:      cfg.AIBaseURL,
			Model:        cfg.AIModel,
			Voice:        cfg.AIVoice,
			Instructions: cfg.AIInstructions,
			Tools:        tools.BuiltinDefinitions(),
		}, logger.With("call_id", callID))
	}

	recorder := cdr.Recorder(cdr.Noop{})
	if cfg.DatabaseURL != "" {
		store, err := cdr.NewStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("call record store: %w", err)
		}
		recorder = store
	}

	publisher := notify.Publisher(notify.Noop{})
	if cfg.NATSURL != "" {
		np, err := notify.NewNATS(notify.Config{URL: cfg.NATSURL}, logger)
		if err != nil {
			return fmt.Errorf("notify publisher: %w", err)
		}
		publisher = np
	}

	manager, err := calls.NewManager(provider, dialAI, calls.Config{
		Greeting:            cfg.Greeting,
		CallerID:            cfg.CallerID,
		MaxConcurrentCalls:  cfg.MaxConcurrentCalls,
		SetupTimeout:        cfg.SetupTimeout,
		OutboundRingTimeout: cfg.OutboundRingTimeout,
		Bridge:              bridgeConfig(cfg),
		Tools:               tools.Config{InvocationTimeout: cfg.ToolTimeout},
		OnTransition: func(snap calls.Snapshot) {
			recorder.Record(snap)
			publisher.Publish(snap)
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("call manager: %w", err)
	}

	gateway := events.New(events.Config{
		SharedSecret: cfg.WebhookSharedSecret,
		HMACKey:      cfg.WebhookHMACKey,
		DedupSize:    cfg.DedupSize,
		DedupTTL:     cfg.DedupTTL,
		QueueDepth:   cfg.EventQueueDepth,
	}, logger)

	state := lifecycle.New()
	srv := gatewayserver.New(cfg, logger, manager, gateway, state)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"media_stream_url", cfg.MediaStreamURL(),
		"cdr_enabled", cfg.DatabaseURL != "",
		"notify_enabled", cfg.NATSURL != "",
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		manager.Run(gctx, gateway.Events())
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}

		// Readiness flips first so load balancers stop routing here,
		// then live calls get their drain window, then the listener
		// closes.
		state.SetDraining(true)

		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainGrace)
		defer drainCancel()
		if err := manager.Shutdown(drainCtx); err != nil {
			logger.Warn("drain incomplete", "error", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		cancel()
		return nil
	})

	runErr := g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer closeCancel()
	if err := recorder.Close(closeCtx); err != nil {
		logger.Warn("closing call record store", "error", err)
	}
	if err := publisher.Close(closeCtx); err != nil {
		logger.Warn("closing notify publisher", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("gateway stopped")
	return nil
}
