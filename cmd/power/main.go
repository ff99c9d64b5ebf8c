// Command power runs a Power Mode coordinator: it loads the configuration,
// selects the messaging backend, claims the session lease, and drives the
// objective until it terminates or the process is signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"goa.design/clue/log"

	"goa.design/powermode/config"
	"goa.design/powermode/coordinator"
	"goa.design/powermode/objective"
	"goa.design/powermode/telemetry"
)

func main() {
	var (
		configF    = flag.String("config", "power.yaml", "Configuration file path")
		objectiveF = flag.String("objective", "", "Objective description (required unless -resume)")
		phasesF    = flag.String("phases", "", "Comma-separated phase names")
		criteriaF  = flag.String("criteria", "", "Comma-separated success criteria")
		resumeF    = flag.Bool("resume", false, "Resume the persisted objective instead of starting a new one")
		dbgF       = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}

	backend, mode, err := config.OpenBackend(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "open store backend")
	}
	defer backend.Close(context.Background())
	log.Print(ctx, log.KV{K: "backend", V: string(mode)})

	var obj *objective.Objective
	if !*resumeF {
		if *objectiveF == "" || *phasesF == "" {
			log.Fatal(ctx, errors.New("-objective and -phases are required unless -resume"))
		}
		obj, err = objective.New(*objectiveF, splitList(*criteriaF), splitList(*phasesF), objective.Boundaries{})
		if err != nil {
			log.Fatalf(ctx, err, "build objective")
		}
	}

	coord, err := coordinator.New(coordinator.Options{
		Store:             backend,
		Objective:         obj,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		BarrierDeadline:   cfg.BarrierDeadline(),
		LeaseTTL:          cfg.LeaseTTL(),
		SessionTimeout:    cfg.MaxRuntime(),
		Logger:            telemetry.NewClueLogger(),
		Metrics:           telemetry.NewOTELMetrics(),
		Tracer:            telemetry.NewOTELTracer(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build coordinator")
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Printf(ctx, "received %s, shutting down", sig)
		cancel()
	}()

	if err := coord.Run(runCtx); err != nil {
		if errors.Is(err, coordinator.ErrLeaseLost) {
			log.Fatalf(ctx, err, "another coordinator holds the session lease")
		}
		log.Fatalf(ctx, err, "coordinator stopped")
	}
	log.Printf(ctx, "session finished")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
