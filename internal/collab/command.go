package collab

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/msageha/taskvault/internal/model"
)

//go:embed schema/*.json
var schemaFS embed.FS

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(name)
}

// command runs argv with payload on stdin and returns stdout validated against schema.
type command struct {
	argv    []string
	timeout time.Duration
	schema  *jsonschema.Schema
}

func newCommand(argv []string, timeout time.Duration, schemaName string) (command, error) {
	if len(argv) == 0 {
		return command{}, errors.New("command is empty")
	}
	sch, err := compileSchema(schemaName)
	if err != nil {
		return command{}, err
	}
	return command{argv: argv, timeout: timeout, schema: sch}, nil
}

func (c command) run(ctx context.Context, payload any, out any) error {
	in, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %v", c.argv[0], c.timeout)
		}
		return fmt.Errorf("%s: %w: %s", c.argv[0], err, strings.TrimSpace(stderr.String()))
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(stdout.Bytes()))
	if err != nil {
		return fmt.Errorf("invalid JSON output: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return fmt.Errorf("output failed schema validation: %w", err)
	}
	return json.Unmarshal(stdout.Bytes(), out)
}

// CommandPlanner delegates planning to an external command. The command reads
// {"content", "metadata"} on stdin and writes a PlanResult as JSON on stdout.
type CommandPlanner struct {
	cmd       command
	Sensitive SensitiveFunc
}

func NewCommandPlanner(cfg model.CommandConfig, sensitive SensitiveFunc) (*CommandPlanner, error) {
	cmd, err := newCommand(cfg.Command, cfg.Timeout(), "plan.json")
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	return &CommandPlanner{cmd: cmd, Sensitive: sensitive}, nil
}

type planInput struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p *CommandPlanner) GeneratePlan(ctx context.Context, content string, metadata map[string]string) (PlanResult, error) {
	var res PlanResult
	if err := p.cmd.run(ctx, planInput{Content: content, Metadata: metadata}, &res); err != nil {
		return PlanResult{}, fmt.Errorf("%w: %v", model.ErrPlanningFailure, err)
	}
	if !res.RequiresApproval && p.Sensitive != nil && p.Sensitive(content, metadata) {
		res.RequiresApproval = true
	}
	return res, nil
}

// CommandExecutor runs an external command per plan. It reads the plan as JSON
// on stdin and writes an ExecResult on stdout.
type CommandExecutor struct {
	cmd command
}

func NewCommandExecutor(cfg model.CommandConfig) (*CommandExecutor, error) {
	cmd, err := newCommand(cfg.Command, cfg.Timeout(), "exec.json")
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	return &CommandExecutor{cmd: cmd}, nil
}

type execInput struct {
	TaskID            string   `json:"task_id"`
	PlanID            string   `json:"plan_id"`
	Steps             []string `json:"steps"`
	ActionDescription string   `json:"action_description,omitempty"`
}

func (e *CommandExecutor) Execute(ctx context.Context, plan model.PlanRecord) (ExecResult, error) {
	in := execInput{
		TaskID:            plan.TaskID,
		PlanID:            plan.ID,
		Steps:             plan.Steps,
		ActionDescription: plan.ActionDescription,
	}
	var res ExecResult
	if err := e.cmd.run(ctx, in, &res); err != nil {
		return ExecResult{}, fmt.Errorf("%w: %v", model.ErrExecutionFailure, err)
	}
	return res, nil
}
