package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskvault/internal/audit"
	"github.com/msageha/taskvault/internal/daemon"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/setup"
	"github.com/msageha/taskvault/internal/status"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand("test")
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func runJSON(t *testing.T, out any, args ...string) {
	t.Helper()
	stdout, err := run(t, append(args, "--format", "json")...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), out), stdout)
}

// newProject initialises a vault under /tmp and returns the project dir.
func newProject(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tvc-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	out, err := run(t, "init", dir)
	require.NoError(t, err)
	require.Contains(t, out, "initialised vault at")
	return dir
}

func editConfig(t *testing.T, dir string, fn func(*model.Config)) {
	t.Helper()
	path := setup.Layout{Root: filepath.Join(dir, setup.VaultDirName)}.Config()
	cfg, err := model.LoadConfig(path)
	require.NoError(t, err)
	fn(&cfg)
	data, err := yamlv3.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func records(snap status.Snapshot, coll string) int {
	for _, c := range snap.Counts {
		if c.Collection == coll {
			return c.Records
		}
	}
	return 0
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "taskvault test\n", out)
}

func TestInit_RefusesExistingVault(t *testing.T) {
	dir := newProject(t)

	_, err := run(t, "init", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "version", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestCommandsRequireVault(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "tvc-empty-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	_, err = run(t, "status", "--vault", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, setup.ErrNoVault)
}

func TestAdmit_RequiresFlags(t *testing.T) {
	dir := newProject(t)
	_, err := run(t, "admit", "--vault", dir, "--source", "mail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestApprovedTaskRunsToDone(t *testing.T) {
	dir := newProject(t)

	_, err := run(t, "admit", "--vault", dir, "--source", "mail", "--id", "m-42", "--content", "pay invoice #42")
	require.NoError(t, err)

	var scan daemon.ScanResult
	runJSON(t, &scan, "scan", "--vault", dir)
	assert.Equal(t, 1, scan.Admitted)
	assert.Equal(t, 1, scan.Transitions["planning->awaiting_approval"])

	var pending []model.ApprovalRequest
	runJSON(t, &pending, "approvals", "--vault", dir)
	require.Len(t, pending, 1)
	taskID := pending[0].TaskID

	out, err := run(t, "approve", taskID, "--vault", dir, "--by", "alice", "--note", "ok to pay")
	require.NoError(t, err)
	assert.Contains(t, out, taskID+" approved by alice")

	_, err = run(t, "approve", taskID, "--vault", dir, "--by", "bob")
	require.Error(t, err, "only the first decision counts")

	runJSON(t, &scan, "scan", "--vault", dir)
	assert.Equal(t, 1, scan.ApprovalsResolved)
	assert.Equal(t, 1, scan.Transitions["executing->done"])

	var snap status.Snapshot
	runJSON(t, &snap, "status", "--vault", dir)
	assert.False(t, snap.Daemon.Running)
	assert.Equal(t, 1, records(snap, "done"))
	assert.Empty(t, snap.PendingApprovals)

	var entries []audit.Entry
	runJSON(t, &entries, "audit", "--vault", dir, "--task", taskID)
	require.NotEmpty(t, entries)
	assert.Equal(t, "task_created", entries[0].EventType)
	assert.Equal(t, "task_transition", entries[len(entries)-1].EventType)
	assert.Equal(t, "done", entries[len(entries)-1].Details["to"])

	out, err = run(t, "audit", "--vault", dir, "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "entries valid")
}

func TestRejectedTaskIsArchived(t *testing.T) {
	dir := newProject(t)

	_, err := run(t, "admit", "--vault", dir, "--source", "chat", "--id", "c-1", "--content", "wire funds", "--meta", "amount=250")
	require.NoError(t, err)
	_, err = run(t, "scan", "--vault", dir)
	require.NoError(t, err)

	var pending []model.ApprovalRequest
	runJSON(t, &pending, "approvals", "--vault", dir)
	require.Len(t, pending, 1)

	_, err = run(t, "reject", pending[0].TaskID, "--vault", dir, "--by", "alice")
	require.NoError(t, err)
	_, err = run(t, "scan", "--vault", dir)
	require.NoError(t, err)

	var snap status.Snapshot
	runJSON(t, &snap, "status", "--vault", dir)
	assert.Equal(t, 1, records(snap, "archived"))

	out, err := run(t, "approvals", "--vault", dir)
	require.NoError(t, err)
	assert.Equal(t, "no approvals pending\n", out)

	var history []model.ApprovalRequest
	runJSON(t, &history, "approvals", "--all", "--vault", dir)
	require.Len(t, history, 1)
	assert.Equal(t, pending[0].TaskID, history[0].TaskID)
	assert.Equal(t, model.ApprovalRejected, history[0].Status)
	assert.Equal(t, "alice", history[0].DecidedBy)
	require.NotNil(t, history[0].ResolvedAt)

	out, err = run(t, "approvals", "--all", "--vault", dir)
	require.NoError(t, err)
	assert.Contains(t, out, pending[0].TaskID+"  rejected  by alice at ")
}

func TestFailedTaskCanBeArchived(t *testing.T) {
	dir := newProject(t)
	editConfig(t, dir, func(cfg *model.Config) {
		cfg.Collaborators.Executor = model.CommandConfig{Command: []string{"sh", "-c", "cat >/dev/null; exit 3"}, TimeoutSec: 5}
	})

	_, err := run(t, "admit", "--vault", dir, "--source", "mail", "--id", "m-1", "--content", "weekly newsletter summary")
	require.NoError(t, err)
	_, err = run(t, "scan", "--vault", dir)
	require.NoError(t, err)

	var snap status.Snapshot
	runJSON(t, &snap, "status", "--vault", dir)
	require.Len(t, snap.Failed, 1)
	taskID := snap.Failed[0].ID

	out, err := run(t, "archive", taskID, "--vault", dir, "--reason", "not worth retrying")
	require.NoError(t, err)
	assert.Equal(t, taskID+" archived: not worth retrying\n", out)

	_, err = run(t, "archive", taskID, "--vault", dir)
	require.Error(t, err, "archived tasks cannot be archived again")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestJobs(t *testing.T) {
	dir := newProject(t)

	_, err := run(t, "jobs", "add", "every tuesday", "review", "--vault", dir)
	require.Error(t, err)

	var job model.ScheduledJob
	runJSON(t, &job, "jobs", "add", "@every 1h", "review the inbox", "--vault", dir, "--meta", "origin=cli")
	assert.Equal(t, model.JobActive, job.Status)
	assert.Equal(t, map[string]string{"origin": "cli"}, job.Metadata)

	var jobs []model.ScheduledJob
	runJSON(t, &jobs, "jobs", "list", "--vault", dir)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	out, err := run(t, "jobs", "remove", job.ID, "--vault", dir)
	require.NoError(t, err)
	assert.Equal(t, "removed "+job.ID+"\n", out)

	out, err = run(t, "jobs", "list", "--vault", dir)
	require.NoError(t, err)
	assert.Equal(t, "no scheduled jobs\n", out)
}

func TestJobs_RunNow(t *testing.T) {
	dir := newProject(t)

	var job model.ScheduledJob
	runJSON(t, &job, "jobs", "add", "@every 1h", "review the inbox", "--vault", dir)

	var res daemon.JobRunResult
	runJSON(t, &res, "jobs", "run", job.ID, "--vault", dir)
	assert.Equal(t, job.ID, res.JobID)
	assert.Equal(t, job.ID+"@"+res.Run, res.ExternalID)
	assert.True(t, strings.HasPrefix(res.Run, "manual@"), res.Run)

	var jobs []model.ScheduledJob
	runJSON(t, &jobs, "jobs", "list", "--vault", dir)
	require.Len(t, jobs, 1)
	assert.True(t, job.NextRun.Equal(jobs[0].NextRun), "a manual run leaves the schedule alone")

	var snap status.Snapshot
	runJSON(t, &snap, "status", "--vault", dir)
	assert.Equal(t, 1, records(snap, "intake"))

	var entries, manual []audit.Entry
	runJSON(t, &entries, "audit", "--vault", dir)
	for _, e := range entries {
		if e.EventType == "job_run_manual" {
			manual = append(manual, e)
		}
	}
	require.Len(t, manual, 1)
	assert.Equal(t, job.ID, manual[0].Details["job_id"])
	assert.Equal(t, res.Run, manual[0].Details["run"])

	_, err := run(t, "jobs", "run", "job_0000000000_00000000", "--vault", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestReconcile_CleanVault(t *testing.T) {
	dir := newProject(t)
	out, err := run(t, "reconcile", "--vault", dir)
	require.NoError(t, err)
	assert.Equal(t, "nothing to repair\n", out)
}

func TestDaemonOnlyCommandsWithoutDaemon(t *testing.T) {
	dir := newProject(t)
	for _, name := range []string{"stop", "metrics"} {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, name, "--vault", dir)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, err.Error(), "not running")
		})
	}
}
