package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kindline-ai/kindline/internal/audit"
	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/detector"
	"github.com/kindline-ai/kindline/internal/engine"
	"github.com/kindline-ai/kindline/internal/escalation"
	"github.com/kindline-ai/kindline/internal/monitor"
	"github.com/kindline-ai/kindline/internal/notify"
	"github.com/kindline-ai/kindline/internal/server"
	"github.com/kindline-ai/kindline/internal/signal"
	"github.com/kindline-ai/kindline/internal/store"
	"github.com/kindline-ai/kindline/internal/telemetry"
)

const version = "0.1.0"

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "kindline.yaml", "Path to kindline config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  "kindline",
		Version:  version,
	})
	if err != nil {
		log.Fatalf("telemetry setup: %v", err)
	}
	defer tel.Shutdown(context.Background())

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store setup: %v", err)
	}
	defer cleanup()

	recorder := audit.NewRecorder(st)
	scheduler := monitor.NewScheduler(st, cfg.Monitoring.GraceMissed)

	// The machine pointer is captured before construction so the exhaustion
	// callback can flag cases once wiring completes.
	var machine *escalation.Machine
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
		OnExhausted: func(msg notify.Message) {
			tel.RecordNotifyFailure("exhausted")
			if machine != nil && msg.Kind == notify.KindCrisisDirective {
				machine.FlagManualReview(msg.CaseID, "crisis notification undeliverable")
			}
		},
	}, buildChannels(cfg))
	defer dispatcher.Close(context.Background())

	machine = escalation.NewMachine(st, recorder, scheduler, dispatcher, cfg.Policy, cfg.Monitoring)

	runner := detector.NewRunner(buildDetectors(cfg), detector.RunnerConfig{
		Timeout:    cfg.Detectors.Timeout,
		MaxRetries: cfg.Detectors.MaxRetries,
	})

	eng := engine.New(runner, machine, cfg, tel, tel.Tracer())
	srv := server.New(cfg, eng, machine, scheduler, recorder)

	addr := cfg.Server.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()
	log.Printf("Starting kindline %s on %s...", version, addr)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPgStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	case "file":
		s, err := store.NewMemoryFileStore(cfg.Store.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default: // memory
		s, err := store.NewMemoryFileStore("")
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

func buildChannels(cfg *config.Config) []notify.Channel {
	var channels []notify.Channel
	if cfg.Notify.FilePath != "" {
		ch, err := notify.NewFileChannel(cfg.Notify.FilePath)
		if err != nil {
			log.Fatalf("notify file channel: %v", err)
		}
		channels = append(channels, ch)
	}
	if cfg.Notify.WebhookURL != "" {
		ch, err := notify.NewWebhookChannel(cfg.Notify.WebhookURL, nil, cfg.Notify.Timeout)
		if err != nil {
			log.Fatalf("notify webhook channel: %v", err)
		}
		channels = append(channels, ch)
	}
	return channels
}

func buildDetectors(cfg *config.Config) []detector.Detector {
	dets := []detector.Detector{detector.NewLexicon()}
	for _, r := range cfg.Detectors.Remotes {
		kinds := make([]signal.Kind, 0, len(r.Kinds))
		for _, k := range r.Kinds {
			kind := signal.Kind(k)
			if _, ok := signal.KindCircuit(kind); !ok {
				log.Fatalf("detector %s: unknown signal kind %q", r.Name, k)
			}
			kinds = append(kinds, kind)
		}
		apiKey := ""
		if r.APIKeyEnv != "" {
			apiKey = os.Getenv(r.APIKeyEnv)
		}
		dets = append(dets, detector.NewHTTP(r.Name, r.URL, apiKey, kinds, cfg.Detectors.Timeout))
	}
	return dets
}
