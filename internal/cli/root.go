// Package cli implements the taskvault command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/daemon"
	"github.com/msageha/taskvault/internal/lock"
	"github.com/msageha/taskvault/internal/logging"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/setup"
	"github.com/msageha/taskvault/internal/uds"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Vault  string // directory to search upward from for .taskvault
	Format string // "text" | "json"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the taskvault command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "taskvault",
		Short:         "File-backed task orchestration with human approval",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Vault, "vault", "", "project directory holding .taskvault (default: search upward from the working directory)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewStopCommand(opts))
	cmd.AddCommand(NewAdmitCommand(opts))
	cmd.AddCommand(NewScanCommand(opts))
	cmd.AddCommand(NewDecideCommand(opts, model.ApprovalApproved))
	cmd.AddCommand(NewDecideCommand(opts, model.ApprovalRejected))
	cmd.AddCommand(NewApprovalsCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewMetricsCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskvault %s\n", version)
		},
	})
	return cmd
}

// vault is an opened vault: its layout and loaded configuration.
type vault struct {
	layout setup.Layout
	config model.Config
}

func (o *RootOptions) open() (vault, error) {
	start := o.Vault
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return vault{}, WrapExitError(ExitCommandError, "get working directory", err)
		}
		start = wd
	}
	layout, err := setup.FindVault(start)
	if err != nil {
		return vault{}, WrapExitError(ExitCommandError, "no vault found (run `taskvault init`)", err)
	}
	cfg, err := model.LoadConfig(layout.Config())
	if err != nil {
		return vault{}, WrapExitError(ExitCommandError, "load config", err)
	}
	return vault{layout: layout, config: cfg}, nil
}

func (v vault) logger(cmd *cobra.Command) *logging.Logger {
	return logging.New(cmd.ErrOrStderr(), logging.ParseLevel(v.config.Logging.Level)).With("cli")
}

// call sends a mutation to the running daemon, or runs local against a
// runtime opened under the vault lock when no daemon is running.
func (v vault) call(cmd *cobra.Command, command string, params, out any, local func(*daemon.Runtime) error) error {
	err := uds.NewClient(v.layout.Socket()).Call(command, params, out)
	if !errors.Is(err, uds.ErrDaemonUnavailable) {
		return remoteError(command, err)
	}
	err = daemon.WithLocalRuntime(context.Background(), v.layout, v.config, v.logger(cmd), local)
	if errors.Is(err, lock.ErrLocked) {
		return WrapExitError(ExitCommandError, "vault is locked by a daemon that is not answering; retry shortly", err)
	}
	return err
}

func remoteError(command string, err error) error {
	if err == nil {
		return nil
	}
	var re *uds.RemoteError
	if errors.As(err, &re) {
		switch re.Code {
		case uds.ErrCodeValidation, uds.ErrCodeNotFound, uds.ErrCodeConflict:
			return WrapExitError(ExitFailure, command, err)
		}
	}
	return WrapExitError(ExitCommandError, command, err)
}
