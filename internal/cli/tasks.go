package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/approval"
	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/daemon"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/source"
	"github.com/msageha/taskvault/internal/store"
)

const timeLayout = "2006-01-02 15:04:05Z07:00"

func NewAdmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ev   model.Event
		meta map[string]string
	)
	cmd := &cobra.Command{
		Use:   "admit",
		Short: "Drop an event into the inbox",
		Long: `Drop an event into the inbox. A running daemon admits it at once;
otherwise it waits for the daemon or for ` + "`taskvault scan`" + `.

Admitting the same --source and --id twice yields one task.

Examples:
  taskvault admit --source mail --id msg-1842 --content "pay invoice #42"
  taskvault admit --source chat --id c-7 --content "wire funds" --meta amount=250`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			if len(meta) > 0 {
				ev.Metadata = meta
			}
			path, err := source.WriteEvent(v.layout.Inbox(), ev, time.Now())
			if err != nil {
				return WrapExitError(ExitCommandError, "admit", err)
			}
			return rootOpts.emit(cmd.OutOrStdout(), map[string]string{"event_file": path}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "queued %s/%s as %s\n", ev.Source, ev.ExternalID, path)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&ev.Source, "source", "", "event source (required)")
	_ = cmd.MarkFlagRequired("source")
	cmd.Flags().StringVar(&ev.ExternalID, "id", "", "id of the event within its source (required)")
	_ = cmd.MarkFlagRequired("id")
	cmd.Flags().StringVar(&ev.Content, "content", "", "event text (required)")
	_ = cmd.MarkFlagRequired("content")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	return cmd
}

func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Admit waiting inbox events and advance the pipeline now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			var res daemon.ScanResult
			err = v.call(cmd, "scan", nil, &res, func(rt *daemon.Runtime) error {
				var err error
				res, err = rt.Scan(context.Background())
				return err
			})
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				if _, err := fmt.Fprintf(w, "admitted %d, %d transitions over %d passes, %d approvals resolved, %d errors\n",
					res.Admitted, res.Total(), res.Passes, res.ApprovalsResolved, res.Errors); err != nil {
					return err
				}
				for _, k := range slices.Sorted(maps.Keys(res.Transitions)) {
					if _, err := fmt.Fprintf(w, "  %-32s %d\n", k, res.Transitions[k]); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

// NewDecideCommand builds `approve` or `reject`.
func NewDecideCommand(rootOpts *RootOptions, verdict model.ApprovalStatus) *cobra.Command {
	p := daemon.DecideParams{Status: string(verdict)}
	verb := "approve"
	if verdict == model.ApprovalRejected {
		verb = "reject"
	}
	cmd := &cobra.Command{
		Use:   verb + " <task-id>",
		Short: fmt.Sprintf("Record a human %s decision for a task awaiting approval", verdict),
		Long: fmt.Sprintf(`Record a human %s decision. Only the first decision for a task
counts, and it only counts if it arrives before the approval times out.`, verdict),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			p.TaskID = args[0]
			var dec model.Decision
			err = v.call(cmd, "decide", p, &dec, func(rt *daemon.Runtime) error {
				var err error
				dec, err = rt.Decide(context.Background(), p)
				return err
			})
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), dec, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %s by %s at %s\n", dec.TaskID, dec.Status, dec.DecidedBy, dec.DecidedAt.Format(timeLayout))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&p.DecidedBy, "by", defaultDecider(), "who decided")
	cmd.Flags().StringVar(&p.Note, "note", "", "free-text note kept with the decision")
	return cmd
}

func defaultDecider() string {
	for _, key := range []string{"TASKVAULT_USER", "USER", "LOGNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func NewApprovalsCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approvals waiting for a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			s, err := store.Open(v.layout.Root, v.config.Store)
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer func() { _ = s.Close() }()

			wf := approval.New(s, nil, nil, v.logger(cmd), approval.OptionsFromConfig(v.config.Approval))
			pending, err := wf.ListPending(context.Background())
			if err != nil {
				return WrapExitError(ExitCommandError, "list approvals", err)
			}
			var resolved []model.ApprovalRequest
			if all {
				if resolved, err = wf.ListResolved(context.Background()); err != nil {
					return WrapExitError(ExitCommandError, "list resolved approvals", err)
				}
			}
			reqs := append(append([]model.ApprovalRequest{}, pending...), resolved...)
			return rootOpts.emit(cmd.OutOrStdout(), reqs, func(w io.Writer) error {
				if len(pending) == 0 {
					if _, err := fmt.Fprintln(w, "no approvals pending"); err != nil {
						return err
					}
				}
				for _, r := range pending {
					escalated := ""
					if r.EscalatedAt != nil {
						escalated = " (escalated)"
					}
					if _, err := fmt.Fprintf(w, "%s  times out %s%s\n    %s\n",
						r.TaskID, r.TimeoutAt.Format(timeLayout), escalated, r.ActionDescription); err != nil {
						return err
					}
				}
				for _, r := range resolved {
					by := r.DecidedBy
					if by == "" {
						by = "-"
					}
					if _, err := fmt.Fprintf(w, "%s  %-9s by %s at %s\n    %s\n",
						r.TaskID, r.Status, by, r.Settled().Format(timeLayout), r.ActionDescription); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also list resolved approvals")
	return cmd
}

func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	var p daemon.ArchiveParams
	cmd := &cobra.Command{
		Use:   "archive <task-id>",
		Short: "Archive a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			p.TaskID = args[0]
			var task model.TaskRecord
			err = v.call(cmd, "archive", p, &task, func(rt *daemon.Runtime) error {
				var err error
				task, err = rt.Archive(context.Background(), p)
				return err
			})
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), task, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s archived: %s\n", task.ID, task.Reason)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&p.Reason, "reason", "", "why the task is archived")
	return cmd
}

func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		taskID string
		tail   int
		verify bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Long: `Show the audit trail: the last --tail entries, or every entry for
--task. --verify checks each entry's checksum instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			if verify {
				total, valid, err := audit.VerifyIntegrity(v.layout.AuditLog())
				if err != nil {
					return WrapExitError(ExitCommandError, "verify audit log", err)
				}
				res := map[string]int{"total": total, "valid": valid}
				if err := rootOpts.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%d of %d entries valid\n", valid, total)
					return err
				}); err != nil {
					return err
				}
				if valid != total {
					return NewExitError(ExitFailure, fmt.Sprintf("%d audit entries failed verification", total-valid))
				}
				return nil
			}

			reader := audit.NewReader(v.layout.AuditLog())
			var entries []audit.Entry
			if taskID != "" {
				entries, err = reader.ForTask(taskID)
			} else {
				entries, err = reader.Tail(tail)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "read audit log", err)
			}
			if entries == nil {
				entries = []audit.Entry{}
			}
			return rootOpts.emit(cmd.OutOrStdout(), entries, func(w io.Writer) error {
				for _, e := range entries {
					if _, err := fmt.Fprintf(w, "%6d %s %-13s %-18s %s%s\n",
						e.Seq, e.Timestamp.UTC().Format(timeLayout), e.Actor, e.EventType, e.TaskID, summarize(e)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "show every entry for one task")
	cmd.Flags().IntVar(&tail, "tail", 20, "number of most recent entries to show")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify entry checksums")
	return cmd
}

// summarize renders the details worth a glance on one line.
func summarize(e audit.Entry) string {
	switch e.EventType {
	case "task_transition":
		return fmt.Sprintf(" %s->%s", audit.StringDetail(e.Details, "from"), audit.StringDetail(e.Details, "to"))
	case "approval_resolved", "approval_requested":
		if s := audit.StringDetail(e.Details, "status"); s != "" {
			return " " + s
		}
	case "reconcile_repair":
		return " " + audit.StringDetail(e.Details, "kind")
	case "job_added", "job_removed", "job_failed", "job_run_manual":
		return " " + audit.StringDetail(e.Details, "job_id")
	}
	return ""
}
