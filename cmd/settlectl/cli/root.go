package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/settlement/internal/aging"
	"github.com/odyssey-erp/settlement/internal/app"
	"github.com/odyssey-erp/settlement/internal/platform/db"
	"github.com/odyssey-erp/settlement/internal/settlement"
	"github.com/odyssey-erp/settlement/jobs"
)

// Queue submits and inspects worker tasks.
type Queue interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context, queue string) (QueueStats, error)
	Close() error
}

// Migrator applies schema migrations.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Close() error
}

// Runtime opens the backends a command needs. Each function is called only
// by commands that use it, after the env file has been loaded.
type Runtime struct {
	OpenQueue    func(ctx context.Context) (Queue, error)
	OpenEngine   func(ctx context.Context) (Engine, func(), error)
	OpenMigrator func(ctx context.Context) (Migrator, error)
}

// DefaultRuntime connects using the environment configuration.
func DefaultRuntime() Runtime {
	return Runtime{
		OpenQueue: func(context.Context) (Queue, error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, err
			}
			return NewJobsCLI(cfg.RedisOptions().AsynqOpt()), nil
		},
		OpenEngine: func(ctx context.Context) (Engine, func(), error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, nil, err
			}
			return openEngine(ctx, cfg, app.NewLogger(cfg))
		},
		OpenMigrator: func(context.Context) (Migrator, error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, err
			}
			return db.NewMigrator(cfg.PGDSN, app.NewLogger(cfg))
		},
	}
}

type options struct {
	envFile string
	json    bool
	inline  bool
}

// NewRootCommand builds the settlectl command tree.
func NewRootCommand(rt Runtime) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the settlement engine",
		Long:          "settlectl recomputes document statuses, runs the scheduled maintenance tasks on demand and inspects the worker queues.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(opts.envFile)
		},
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading configuration (default .env when present)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON instead of a table")

	root.AddCommand(
		recomputeCommand(rt, opts),
		refreshBillsCommand(rt, opts),
		reconcileCommand(rt, opts),
		agingCommand(rt, opts),
		queueCommand(rt, opts),
		migrateCommand(rt, opts),
	)
	return root
}

func loadEnv(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func recomputeCommand(rt Runtime, opts *options) *cobra.Command {
	var variant, number string
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Re-derive the status of one invoice or bill",
		Example: `  settlectl recompute --variant invoice --number INV001
  settlectl recompute --variant bill --number BILL-7 --inline`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !opts.inline {
				task, err := jobs.NewRecomputeTask(variant, number)
				if err != nil {
					return err
				}
				return enqueue(ctx, rt, cmd.OutOrStdout(), opts, task, asynq.Queue(jobs.QueueSettlement), asynq.MaxRetry(3))
			}
			v, ok := settlement.ParseVariant(variant)
			if !ok {
				return fmt.Errorf("unknown variant %q", variant)
			}
			eng, closeFn, err := rt.OpenEngine(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			outcome, err := eng.RecomputeStatus(ctx, number, v)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, outcome, func(w io.Writer) {
				fmt.Fprintf(w, "DOCUMENT\tPREVIOUS\tCURRENT\tCHANGED\n")
				fmt.Fprintf(w, "%s %s\t%s\t%s\t%t\n", outcome.Target.Variant, outcome.Target.Number, outcome.Previous, outcome.Current, outcome.Changed)
			})
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "invoice or bill")
	cmd.Flags().StringVar(&number, "number", "", "document number")
	cmd.Flags().BoolVar(&opts.inline, "inline", false, "run in this process instead of enqueueing")
	_ = cmd.MarkFlagRequired("variant")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func refreshBillsCommand(rt Runtime, opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-bills",
		Short: "Re-derive date-driven bill statuses (DueSoon, Overdue)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !opts.inline {
				return enqueue(ctx, rt, cmd.OutOrStdout(), opts, jobs.NewBillRefreshTask(), asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
			}
			eng, closeFn, err := rt.OpenEngine(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			report, err := eng.RefreshBillStatuses(ctx)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), opts, report, func(w io.Writer) {
				fmt.Fprintf(w, "BILL\tPREVIOUS\tCURRENT\tCHANGED\n")
				for _, o := range report.Outcomes {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", o.Target.Number, o.Previous, o.Current, o.Changed)
				}
			}); err != nil {
				return err
			}
			return report.Err()
		},
	}
	cmd.Flags().BoolVar(&opts.inline, "inline", false, "run in this process instead of enqueueing")
	return cmd
}

func reconcileCommand(rt Runtime, opts *options) *cobra.Command {
	var failOnFindings bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check stored document totals against their line items",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !opts.inline {
				return enqueue(ctx, rt, cmd.OutOrStdout(), opts, jobs.NewReconcileTask(), asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(1))
			}
			eng, closeFn, err := rt.OpenEngine(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			findings, err := eng.Reconcile(ctx)
			if err != nil {
				return err
			}
			if findings == nil {
				findings = []settlement.Finding{}
			}
			if err := render(cmd.OutOrStdout(), opts, findings, func(w io.Writer) {
				fmt.Fprintf(w, "DOCUMENT\tFIELD\tEXPECTED\tACTUAL\n")
				for _, f := range findings {
					for _, issue := range f.Findings {
						fmt.Fprintf(w, "%s %s\t%s\t%.2f\t%.2f\n", f.Variant, f.Number, issue.Field, issue.Expected, issue.Actual)
					}
				}
			}); err != nil {
				return err
			}
			if failOnFindings && len(findings) > 0 {
				return fmt.Errorf("%d documents with inconsistent totals", len(findings))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.inline, "inline", false, "run in this process instead of enqueueing")
	cmd.Flags().BoolVar(&failOnFindings, "fail-on-findings", false, "exit non-zero when inconsistencies are found (inline only)")
	return cmd
}

func agingCommand(rt Runtime, opts *options) *cobra.Command {
	var variant, counterparty, period, asOf, reference string
	cmd := &cobra.Command{
		Use:   "aging",
		Short: "Print the aging report for invoices or bills",
		Example: `  settlectl aging --variant invoice --period FY2024-Q2
  settlectl aging --variant bill --reference bill_date --as-of 2024-09-30`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			filter := aging.Filter{
				Variant:       settlement.Variant(variant),
				Counterparty:  counterparty,
				Period:        period,
				BillReference: aging.BillReference(reference),
			}
			if asOf != "" {
				parsed, err := time.Parse(time.DateOnly, asOf)
				if err != nil {
					return fmt.Errorf("as-of must be YYYY-MM-DD: %w", err)
				}
				filter.AsOf = parsed
			}
			eng, closeFn, err := rt.OpenEngine(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			report, err := eng.Aging(ctx, filter)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts, report, func(w io.Writer) {
				fmt.Fprintf(w, "BUCKET\tCOUNT\tAMOUNT\n")
				for _, b := range report.Buckets {
					fmt.Fprintf(w, "%s\t%d\t%.2f\n", b.Bucket, b.Count, b.Amount)
				}
				fmt.Fprintf(w, "TOTAL\t%d\t%.2f\n", len(report.Rows), report.GrandTotal)
			})
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "invoice", "invoice or bill")
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "restrict to one customer or vendor")
	cmd.Flags().StringVar(&period, "period", "", "document period: 2024-05, FY2024-Q1 or FY2024")
	cmd.Flags().StringVar(&asOf, "as-of", "", "aging date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&reference, "reference", "", "bill aging reference: due_date or bill_date")
	return cmd
}

func queueCommand(rt Runtime, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show worker queue statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			q, err := rt.OpenQueue(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()
			stats := make([]QueueStats, 0, len(Queues()))
			for _, name := range Queues() {
				s, err := q.InspectQueue(ctx, name)
				if err != nil {
					return err
				}
				stats = append(stats, s)
			}
			return render(cmd.OutOrStdout(), opts, stats, func(w io.Writer) {
				fmt.Fprintf(w, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED\n")
				for _, s := range stats {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
				}
			})
		},
	}
}

type schemaVersion struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func migrateCommand(rt Runtime, opts *options) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		Example: `  settlectl migrate up
  settlectl migrate down --steps 1
  settlectl migrate version`,
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if steps < 0 {
				return fmt.Errorf("steps must not be negative")
			}
			m, err := rt.OpenMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			switch {
			case direction == "up" && steps > 0:
				err = m.Steps(steps)
			case direction == "up":
				err = m.Up()
			case direction == "down" && steps > 0:
				err = m.Steps(-steps)
			case direction == "down":
				err = m.Down()
			}
			if err != nil {
				return err
			}
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			result := schemaVersion{Version: version, Dirty: dirty}
			return render(cmd.OutOrStdout(), opts, result, func(w io.Writer) {
				fmt.Fprintf(w, "VERSION\tDIRTY\n%d\t%t\n", result.Version, result.Dirty)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply or roll back (default all)")
	return cmd
}

type enqueued struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Queue string `json:"queue"`
}

func enqueue(ctx context.Context, rt Runtime, out io.Writer, opts *options, task *asynq.Task, taskOpts ...asynq.Option) error {
	q, err := rt.OpenQueue(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()
	info, err := q.Enqueue(ctx, task, taskOpts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	slog.Default().Debug("task enqueued", slog.String("type", task.Type()), slog.String("id", info.ID))
	result := enqueued{ID: info.ID, Type: info.Type, Queue: info.Queue}
	return render(out, opts, result, func(w io.Writer) {
		fmt.Fprintf(w, "ENQUEUED\tTYPE\tQUEUE\n%s\t%s\t%s\n", result.ID, result.Type, result.Queue)
	})
}

func render(out io.Writer, opts *options, value any, table func(io.Writer)) error {
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	table(w)
	return w.Flush()
}
