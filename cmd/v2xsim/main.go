package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/curtivlad/v2xsim/engine"
)

func main() {
	var (
		scenarioID    string
		cityMode      bool
		scenarioDir   string
		snapshotEvery time.Duration
		showVersion   bool
		metricsAddr   string
		metricsBackend string
		enableMetrics bool
		background    bool
	)
	flag.StringVar(&scenarioID, "scenario", "right_of_way", "Named scenario to run (ignored with -city)")
	flag.BoolVar(&cityMode, "city", false, "Run the full background-traffic grid instead of a named scenario")
	flag.StringVar(&scenarioDir, "scenario-dir", "scenarios", "Directory of scenario YAML files")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 1*time.Second, "Interval between exported-state snapshots printed to stderr (0=disabled)")
	flag.BoolVar(&showVersion, "version", false, "Show version / build info")
	flag.StringVar(&metricsAddr, "metrics", "", "Expose metrics on address (e.g. :9090)")
	flag.StringVar(&metricsBackend, "metrics-backend", "prom", "Metrics backend: prom|otel|noop (effective only if -metrics set and enabled)")
	flag.BoolVar(&enableMetrics, "enable-metrics", false, "Enable metrics provider (required to serve metrics)")
	flag.BoolVar(&background, "background-traffic", true, "Maintain a background vehicle population (takes effect with -city only)")
	flag.Parse()

	if showVersion {
		fmt.Println("v2xsim CLI - intersection simulation kernel")
		return
	}

	cfg := engine.Defaults()
	cfg.ScenarioDir = scenarioDir
	if enableMetrics {
		cfg.MetricsEnabled = true
		cfg.MetricsBackend = metricsBackend
	}

	mgr, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	defer func() { _ = mgr.Stop() }()

	mode := engine.ModeScenario
	if cityMode {
		mode = engine.ModeCity
	}
	if err := mgr.Init(mode); err != nil {
		log.Fatalf("init engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; stopping simulation...")
		_ = mgr.Stop()
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	if err := mgr.Start(scenarioID); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	mgr.ToggleBackgroundTraffic(background && cityMode)

	if metricsAddr != "" && cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			report := mgr.TelemetryReport()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"breaker_state": report.BreakerState,
				"advisor_calls": report.AdvisorCalls,
				"in_flight":     report.InFlight,
			})
		})
		if handler, ok := mgr.MetricsHandler(); ok {
			mux.Handle("/metrics", handler)
		} else {
			log.Printf("metrics backend %q has no pull endpoint; /metrics not mounted", metricsBackend)
		}
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
		go func() {
			log.Printf("telemetry endpoint listening on %s", metricsAddr)
			_ = srv.ListenAndServe()
		}()
	}

	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
	}

	if ticker != nil {
		for {
			select {
			case <-ticker.C:
				snap := mgr.GetState()
				b, _ := json.MarshalIndent(snap, "", "  ")
				fmt.Fprintf(os.Stderr, "\n=== TICK %d ===\n%s\n", snap.Tick, string(b))
			case <-ctx.Done():
				final := mgr.GetState()
				b, _ := json.MarshalIndent(final, "", "  ")
				fmt.Println(string(b))
				return
			}
		}
	}

	<-ctx.Done()
}
