package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/daemon"
	"github.com/msageha/taskvault/internal/metrics"
	"github.com/msageha/taskvault/internal/orchestrator"
	"github.com/msageha/taskvault/internal/setup"
	"github.com/msageha/taskvault/internal/status"
	"github.com/msageha/taskvault/internal/store"
	"github.com/msageha/taskvault/internal/uds"
)

func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a vault in dir (default: --vault or the working directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.Vault
			if dir == "" {
				dir = "."
			}
			if len(args) == 1 {
				dir = args[0]
			}
			layout, err := setup.Run(dir, backend)
			if err != nil {
				return WrapExitError(ExitCommandError, "init", err)
			}
			return rootOpts.emit(cmd.OutOrStdout(), map[string]string{"vault": layout.Root}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "initialised vault at %s\nedit %s, then run `taskvault daemon`\n", layout.Root, layout.Config())
				return err
			})
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "store backend (fs|sqlite; default fs)")
	return cmd
}

func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline in the foreground until interrupted",
		Long: `Run the pipeline in the foreground. The daemon holds the vault lock,
watches the inbox, advances tasks, fires scheduled jobs and serves the
other commands over a Unix socket. Logs go to .taskvault/logs/daemon.log.

Stop it with Ctrl-C, SIGTERM or ` + "`taskvault stop`" + `; a second signal exits at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			d, err := daemon.New(v.layout, v.config)
			if err != nil {
				return WrapExitError(ExitCommandError, "daemon", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "taskvault daemon pid=%d logging to %s\n", os.Getpid(), v.layout.DaemonLog())
			if err := d.Run(); err != nil {
				return WrapExitError(ExitCommandError, "daemon", err)
			}
			return nil
		},
	}
}

func NewStopCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			err = uds.NewClient(v.layout.Socket()).Call("shutdown", nil, nil)
			if errors.Is(err, uds.ErrDaemonUnavailable) {
				return NewExitError(ExitFailure, "daemon is not running")
			}
			if err != nil {
				return remoteError("shutdown", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show collection counts, pending approvals, jobs and recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			snap, err := v.snapshot(recent)
			if err != nil {
				return WrapExitError(ExitCommandError, "status", err)
			}
			if rootOpts.Format == "json" {
				return status.RenderJSON(cmd.OutOrStdout(), snap)
			}
			return status.Render(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent audit events to show")
	return cmd
}

// snapshot asks the daemon and falls back to reading the vault directly.
// The read-only path takes no lock.
func (v vault) snapshot(recent int) (status.Snapshot, error) {
	var snap status.Snapshot
	err := uds.NewClient(v.layout.Socket()).Call("status", daemon.StatusParams{Recent: recent}, &snap)
	if !errors.Is(err, uds.ErrDaemonUnavailable) {
		return snap, err
	}
	s, err := store.Open(v.layout.Root, v.config.Store)
	if err != nil {
		return snap, err
	}
	defer func() { _ = s.Close() }()
	snap, err = status.Collect(context.Background(), s, audit.NewReader(v.layout.AuditLog()), time.Now(), recent)
	snap.Daemon = status.CheckDaemon(v.layout.Socket())
	return snap, err
}

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair the debris of interrupted operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			var repairs []orchestrator.Repair
			err = v.call(cmd, "reconcile", nil, &repairs, func(rt *daemon.Runtime) error {
				var err error
				repairs, err = rt.Reconcile(context.Background())
				return err
			})
			if err != nil {
				return err
			}
			if repairs == nil {
				repairs = []orchestrator.Repair{}
			}
			return rootOpts.emit(cmd.OutOrStdout(), repairs, func(w io.Writer) error {
				if len(repairs) == 0 {
					_, err := fmt.Fprintln(w, "nothing to repair")
					return err
				}
				for _, r := range repairs {
					if _, err := fmt.Fprintf(w, "%-20s %-28s %s\n", r.Kind, r.TaskID, r.Detail); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func NewMetricsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print the running daemon's counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			var points []metrics.Point
			err = uds.NewClient(v.layout.Socket()).Call("metrics", nil, &points)
			if errors.Is(err, uds.ErrDaemonUnavailable) {
				return NewExitError(ExitFailure, "metrics live in the daemon; it is not running")
			}
			if err != nil {
				return remoteError("metrics", err)
			}
			if points == nil {
				points = []metrics.Point{}
			}
			return rootOpts.emit(cmd.OutOrStdout(), points, func(w io.Writer) error {
				if len(points) == 0 {
					_, err := fmt.Fprintln(w, "no metrics recorded (is metrics.enabled set?)")
					return err
				}
				for _, p := range points {
					name := p.Name
					if p.Attributes != "" {
						name += "{" + p.Attributes + "}"
					}
					if _, err := fmt.Fprintf(w, "%s %d\n", name, p.Value); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
