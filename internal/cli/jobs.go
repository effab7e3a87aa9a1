package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/daemon"
	"github.com/msageha/taskvault/internal/model"
)

func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs",
		Long: `Manage scheduled jobs. Each firing admits the job's content as a new
task. Specs are a duration ("90m"), "@every <duration>" or a five-field
cron expression ("0 9 * * MON-FRI").`,
	}
	cmd.AddCommand(newJobsListCommand(rootOpts))
	cmd.AddCommand(newJobsAddCommand(rootOpts))
	cmd.AddCommand(newJobsRemoveCommand(rootOpts))
	cmd.AddCommand(newJobsRunCommand(rootOpts))
	return cmd
}

func newJobsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs by next run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			var jobs []model.ScheduledJob
			err = v.call(cmd, "jobs_list", nil, &jobs, func(rt *daemon.Runtime) error {
				var err error
				jobs, err = rt.Scheduler.List(context.Background())
				return err
			})
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []model.ScheduledJob{}
			}
			return rootOpts.emit(cmd.OutOrStdout(), jobs, func(w io.Writer) error {
				if len(jobs) == 0 {
					_, err := fmt.Fprintln(w, "no scheduled jobs")
					return err
				}
				for _, j := range jobs {
					line := fmt.Sprintf("%s  %-8s %-18s next %s", j.ID, j.Status, j.IntervalSpec, j.NextRun.Format(timeLayout))
					if j.LastError != "" {
						line += fmt.Sprintf("  retries %d/%d: %s", j.RetryCount, j.MaxRetries, j.LastError)
					}
					if _, err := fmt.Fprintln(w, line); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newJobsAddCommand(rootOpts *RootOptions) *cobra.Command {
	var p daemon.JobAddParams
	cmd := &cobra.Command{
		Use:   "add <spec> <content>",
		Short: "Schedule content to be admitted on spec",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			p.Spec, p.Content = args[0], args[1]
			var job model.ScheduledJob
			err = v.call(cmd, "jobs_add", p, &job, func(rt *daemon.Runtime) error {
				var err error
				job, err = rt.AddJob(context.Background(), p)
				return err
			})
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), job, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "added %s, first run %s\n", job.ID, job.NextRun.Format(timeLayout))
				return err
			})
		},
	}
	cmd.Flags().StringToStringVar(&p.Metadata, "meta", nil, "metadata key=value pairs copied onto every task")
	return cmd
}

func newJobsRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			p := daemon.JobRemoveParams{ID: args[0]}
			err = v.call(cmd, "jobs_remove", p, nil, func(rt *daemon.Runtime) error {
				return rt.RemoveJob(context.Background(), p)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", p.ID)
			return nil
		},
	}
}

func newJobsRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Admit a job's content now without moving its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := rootOpts.open()
			if err != nil {
				return err
			}
			p := daemon.JobRunParams{ID: args[0]}
			var res daemon.JobRunResult
			err = v.call(cmd, "jobs_run", p, &res, func(rt *daemon.Runtime) error {
				var err error
				res, err = rt.RunJob(context.Background(), p)
				return err
			})
			if err != nil {
				return err
			}
			return rootOpts.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "ran %s: admitted as scheduler/%s\n", res.JobID, res.ExternalID)
				return err
			})
		},
	}
}
