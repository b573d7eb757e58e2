package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/medforge/rosterd/pkg/config"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/solver"
	"github.com/medforge/rosterd/pkg/storage"
	"github.com/medforge/rosterd/pkg/validator"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rosterd",
	Short: "Rosterd - Clinical residency scheduling core",
	Long: `Rosterd is the scheduling core of a clinical residency platform:
a constraint solver for duty assignments, ACGME compliance validation,
conflict analysis, and the operational control plane (rate limiting,
throttling, load balancing, background jobs) in a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Rosterd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(blockRegenerateCmd)
	rootCmd.AddCommand(ragEmbeddingsInitCmd)
	rootCmd.AddCommand(jobsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig resolves config file and flag overrides
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// academicBlockDates maps an academic block number (1-13) within an
// academic year to its 28-day date range. Academic years start July 1.
func academicBlockDates(block, year int) (time.Time, time.Time, error) {
	if block < 1 || block > 13 {
		return time.Time{}, time.Time{}, fmt.Errorf("block must be 1-13, got %d", block)
	}
	yearStart := time.Date(year, time.July, 1, 0, 0, 0, 0, time.UTC)
	start := yearStart.AddDate(0, 0, (block-1)*28)
	return start, start.AddDate(0, 0, 27), nil
}

var blockRegenerateCmd = &cobra.Command{
	Use:   "block-regenerate",
	Short: "Regenerate the schedule for a single academic block",
	Long: `Regenerate one academic block with the constraint solver.

Optionally clears existing assignments in the block first. With --draft
the result is printed but not committed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		block, _ := cmd.Flags().GetInt("block")
		year, _ := cmd.Flags().GetInt("year")
		clear, _ := cmd.Flags().GetBool("clear")
		timeout, _ := cmd.Flags().GetInt("timeout")
		draft, _ := cmd.Flags().GetBool("draft")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		start, end, err := academicBlockDates(block, year)
		if err != nil {
			return err
		}

		repo, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open repository: %w", err)
		}
		defer repo.Close()

		if clear {
			removed, err := repo.DeleteAssignmentsInRange(start, end)
			if err != nil {
				return fmt.Errorf("failed to clear block: %w", err)
			}
			fmt.Printf("Cleared %d assignments in block %d\n", removed, block)
		}

		opts := solver.Options{
			RunID:  fmt.Sprintf("block-%d-%d", year, block),
			Commit: !draft,
		}
		if timeout > 0 {
			opts.Timeout = time.Duration(timeout) * time.Second
		}

		engine := solver.New(repo, nil, cfg.Solver)
		result, err := engine.Generate(cmd.Context(), start, end, opts)
		if err != nil {
			return err
		}

		fmt.Printf("Block %d (%s .. %s)\n", block, start.Format("2006-01-02"), end.Format("2006-01-02"))
		fmt.Printf("  Status:      %s\n", result.Status)
		fmt.Printf("  Assignments: %d\n", len(result.Assignments))
		fmt.Printf("  Score:       %.4f\n", result.Score)
		fmt.Printf("  Coverage:    %.1f%%\n", result.Coverage)
		fmt.Printf("  Iterations:  %d\n", result.Iterations)
		for _, violation := range result.Violations {
			fmt.Printf("  soft: %s block=%s cost=%.2f\n", violation.Kind, violation.BlockID, violation.Cost)
		}
		for _, constraint := range result.UnsatCore {
			fmt.Printf("  unsat: %s %s\n", constraint.Kind, constraint.Detail)
		}

		if result.Status == solver.StatusOK && !draft {
			check, err := validator.New(repo).Validate(start, end, nil)
			if err != nil {
				return err
			}
			fmt.Printf("  Validation:  valid=%v violations=%d coverage=%.1f%%\n",
				check.Valid, check.TotalViolations, check.CoverageRate)
		}
		return nil
	},
}

func init() {
	blockRegenerateCmd.Flags().Int("block", 0, "Academic block number (1-13)")
	blockRegenerateCmd.Flags().Int("year", 0, "Academic year (the year containing July 1)")
	blockRegenerateCmd.Flags().Bool("clear", false, "Clear existing assignments in the block first")
	blockRegenerateCmd.Flags().Int("timeout", 0, "Solver timeout in seconds")
	blockRegenerateCmd.Flags().Bool("draft", false, "Do not commit the generated schedule")
	_ = blockRegenerateCmd.MarkFlagRequired("block")
	_ = blockRegenerateCmd.MarkFlagRequired("year")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect scheduled background jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		repo, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer repo.Close()

		jobs, err := repo.ListJobs(false)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs")
			return nil
		}
		for _, job := range jobs {
			next := "-"
			if job.NextRun != nil {
				next = job.NextRun.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-24s enabled=%-5v runs=%-4d next=%s\n",
				job.ID, job.Name, job.Enabled, job.RunCount, next)
		}
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
}
