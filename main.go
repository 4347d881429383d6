package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"designer/internal/app"
	"designer/internal/config"
	"designer/internal/service"
	"designer/internal/storage"
)

var (
	cfgPath string
	verbose bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "designer",
	Short: "Offline-first save pipeline for the site designer",
	Long: `designer keeps an editor's project saves in a durable local queue and
delivers them to the configured remote in order.

Run "designer serve" to expose the pipeline to an MCP client over stdio.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, required := config.ResolvePath(cfgPath)
		loaded, err := config.Load(path, required)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Log.Level = "debug"
		}
		cfg = loaded

		logger, err = app.NewLogger(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server on stdin/stdout",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show queued saves per project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var flushCmd = &cobra.Command{
	Use:   "flush [project-id]",
	Short: "Deliver queued saves now",
	Long:  "Deliver the queued saves of one project, or of every project when no ID is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFlush,
}

var clearCmd = &cobra.Command{
	Use:   "clear <project-id>",
	Short: "Discard every queued save of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List MCP actions waiting for approval",
	RunE:  runApprovals,
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Allow a pending MCP action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(cmd, args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Refuse a pending MCP action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(cmd, args[0], false)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file (default $DESIGNER_CONFIG or ~/.designer/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	return a.ServeMCP(ctx)
}

// withQueue starts an App whose queue only sends when asked, runs fn and
// persists the queue again.
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, q *service.SaveQueue) error) error {
	a, err := app.New(cfg, logger, app.WithQueueOptions(func(o *service.SaveQueueOptions) {
		o.AutoFlush = false
		o.ResumeOnInit = false
	}))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.Startup(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return err
	}

	runErr := fn(ctx, a.Queue())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, q *service.SaveQueue) error {
		if len(args) == 1 {
			return printJSON(cmd, q.Status(args[0]))
		}
		return printJSON(cmd, q.Projects())
	})
}

func runFlush(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, q *service.SaveQueue) error {
		var err error
		if len(args) == 1 {
			err = q.FlushQueue(ctx, args[0])
		} else {
			err = q.FlushAll(ctx)
		}
		if perr := printJSON(cmd, q.Projects()); perr != nil {
			return perr
		}
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		return nil
	})
}

func runClear(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, q *service.SaveQueue) error {
		n := q.PendingSaveCount(args[0])
		q.ClearProjectQueue(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d queued saves for %s\n", n, args[0])
		return nil
	})
}

func runApprovals(cmd *cobra.Command, args []string) error {
	store, closeDB, err := app.OpenApprovals(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	pending, err := store.ListPending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOOL\tREQUESTED\tDESCRIPTION")
	for _, a := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Tool, a.CreatedAt.Local().Format(time.Kitchen), a.Description)
	}
	return w.Flush()
}

func resolveApproval(cmd *cobra.Command, id string, approved bool) error {
	store, closeDB, err := app.OpenApprovals(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.Resolve(id, approved); err != nil {
		if errors.Is(err, storage.ErrApprovalNotFound) {
			return fmt.Errorf("no pending approval %s", id)
		}
		return err
	}
	verb := "Rejected"
	if approved {
		verb = "Approved"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, id)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
