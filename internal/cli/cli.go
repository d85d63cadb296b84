package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/metrics"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/internal/store"
)

// DBOpener returns the database a command works on.
type DBOpener func(cmd *cobra.Command) (*gorm.DB, error)

// ConfigDB opens the database from config, with --driver and --dsn
// overriding it.
func ConfigDB(cmd *cobra.Command) (*gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	return store.Open(cfg.Database, logger.NewNop())
}

// SetupCLI adds every trackctl command to rootCmd.
func SetupCLI(rootCmd *cobra.Command, open DBOpener, log *logger.Logger) {
	rootCmd.PersistentFlags().String("driver", "", "database driver (postgres|sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd)
			if err != nil {
				return err
			}
			if err := store.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Fail jobs and pipelines that stopped making progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			staleAfter, err := cmd.Flags().GetDuration("stale-after")
			if err != nil {
				return err
			}
			deps, err := openDeps(cmd, open, log)
			if err != nil {
				return err
			}
			res, err := service.NewReaper(deps, staleAfter).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d jobs and %d pipelines\n", res.Jobs, res.Pipelines)
			return nil
		},
	}
	reapCmd.Flags().Duration("stale-after", service.DefaultStaleAfter, "age without progress after which an active row is failed")

	jobsCmd := &cobra.Command{Use: "jobs", Short: "Inspect generation jobs"}

	jobsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			db, err := open(cmd)
			if err != nil {
				return err
			}
			jobs, err := store.NewJobStore(db, log).List(cmd.Context(), model.JobStatus(status), limit)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	jobsListCmd.Flags().String("status", "", "only jobs with this status")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs")

	jobsGetCmd := &cobra.Command{
		Use:   "get [jobId]",
		Short: "Show one job and its track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := openDeps(cmd, open, log)
			if err != nil {
				return err
			}
			job, track, err := service.NewJobService(deps, service.JobConfig{}).Get(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Job   *model.GenerationJob `json:"job"`
				Track *model.Track         `json:"track,omitempty"`
			}{job, track})
		},
	}
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd)

	pipelinesCmd := &cobra.Command{Use: "pipelines", Short: "Inspect pipelines"}
	pipelinesGetCmd := &cobra.Command{
		Use:   "get [pipelineId]",
		Short: "Show the status of one pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := openDeps(cmd, open, log)
			if err != nil {
				return err
			}
			jobs := service.NewJobService(deps, service.JobConfig{})
			status, err := service.NewPipelineService(deps, jobs).Status(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	pipelinesCmd.AddCommand(pipelinesGetCmd)

	rootCmd.AddCommand(migrateCmd, reapCmd, jobsCmd, pipelinesCmd)
}

// openDeps builds the subset of service dependencies that read and reap
// rows. Nothing is dispatched from the CLI.
func openDeps(cmd *cobra.Command, open DBOpener, log *logger.Logger) (service.Deps, error) {
	db, err := open(cmd)
	if err != nil {
		return service.Deps{}, err
	}
	return service.Deps{
		Jobs:      store.NewJobStore(db, log),
		Tracks:    store.NewTrackStore(db, log),
		Pipelines: store.NewPipelineStore(db, log),
		Providers: client.NewRegistry(),
		Registry:  service.NewRegistry(),
		Bus:       events.NewLocalBus(),
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Log:       log,
	}, nil
}

func printJobs(w io.Writer, jobs []model.GenerationJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}
	fmt.Fprintln(w, "Jobs:")
	for _, j := range jobs {
		fmt.Fprintf(w, "- ID: %s, Owner: %s, Provider: %s, Status: %s, Progress: %d, Created: %s\n",
			j.ID, j.OwnerID, j.Provider, j.Status, j.Progress, j.CreatedAt.Format(time.RFC3339))
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
