package main

import (
	"context"
	"flag"
	"log"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kindline-ai/kindline/internal/audit"
	"github.com/kindline-ai/kindline/internal/config"
	"github.com/kindline-ai/kindline/internal/escalation"
	"github.com/kindline-ai/kindline/internal/monitor"
	"github.com/kindline-ai/kindline/internal/notify"
	"github.com/kindline-ai/kindline/internal/store"
)

// kindline-monitor sweeps active monitoring schedules on a fixed interval
// and feeds what it finds into the escalation state machine: breaches
// re-escalate, elapsed windows resolve, fresh intervals prompt the subject
// to check in. It runs against the same store as the server; sweeps are
// idempotent, so overlapping or skipped runs are safe.
func main() {
	configPath := flag.String("config", "kindline.yaml", "Path to kindline config file")
	once := flag.Bool("once", false, "Run a single sweep and exit")
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

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store setup: %v", err)
	}
	defer cleanup()
	if cfg.Store.Backend == "memory" {
		log.Printf("warning: store backend is memory; this process cannot see the server's cases and will sweep an empty store")
	}

	recorder := audit.NewRecorder(st)
	scheduler := monitor.NewScheduler(st, cfg.Monitoring.GraceMissed)

	var machine *escalation.Machine
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
		OnExhausted: func(msg notify.Message) {
			if machine != nil && msg.Kind == notify.KindCrisisDirective {
				machine.FlagManualReview(msg.CaseID, "crisis notification undeliverable")
			}
		},
	}, buildChannels(cfg))
	defer dispatcher.Close(context.Background())

	machine = escalation.NewMachine(st, recorder, scheduler, dispatcher, cfg.Policy, cfg.Monitoring)

	sweep := func() {
		events, err := scheduler.Tick()
		if err != nil {
			log.Printf("sweep: %v", err)
		}
		for _, ev := range events {
			handleEvent(ctx, ev, machine, recorder, dispatcher)
		}
	}

	log.Printf("Starting kindline-monitor (interval %s)...", cfg.Monitoring.TickInterval)
	sweep()
	if *once {
		return
	}

	ticker := time.NewTicker(cfg.Monitoring.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func handleEvent(ctx context.Context, ev monitor.Event, machine *escalation.Machine, recorder *audit.Recorder, dispatcher *notify.Dispatcher) {
	if _, err := recorder.RecordScheduleTick(ev.CaseID, map[string]any{
		"event":  string(ev.Kind),
		"missed": ev.MissedCount,
	}); err != nil {
		log.Printf("case %s: record tick: %v", ev.CaseID, err)
	}

	switch ev.Kind {
	case monitor.EventBreach:
		if _, err := machine.HandleBreach(ctx, ev.CaseID, ev); err != nil {
			log.Printf("case %s: breach: %v", ev.CaseID, err)
		}
	case monitor.EventWindowElapsed:
		if _, err := machine.HandleWindowElapsed(ctx, ev.CaseID); err != nil {
			log.Printf("case %s: window elapsed: %v", ev.CaseID, err)
		}
	case monitor.EventCheckInDue:
		cs, found, err := machine.GetCase(ev.CaseID)
		if err != nil || !found {
			log.Printf("case %s: load for check-in prompt: %v", ev.CaseID, err)
			return
		}
		dispatcher.Send(ctx, notify.Message{
			ID:           uuid.New().String(),
			CaseID:       cs.ID,
			Kind:         notify.KindCheckInPrompt,
			RecipientRef: cs.SubjectRef,
			TemplateID:   "checkin_default",
			CreatedAt:    time.Now().UTC(),
		})
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPgStore(pool), pool.Close, nil
	case "file":
		s, err := store.NewMemoryFileStore(cfg.Store.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
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
