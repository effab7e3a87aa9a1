// Package collab holds the contracts for the reasoning and action collaborators
// together with the built-in implementations the daemon can be configured with.
package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/taskvault/internal/model"
)

// PlanResult is what a planner returns for one task.
type PlanResult struct {
	Steps             []string `json:"steps"`
	RequiresApproval  bool     `json:"requires_approval"`
	ActionDescription string   `json:"action_description"`
}

// ExecResult is what an executor reports for one plan. Success=false is a
// reported failure, not an error; errors mean the executor could not run at all.
type ExecResult struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

type Planner interface {
	GeneratePlan(ctx context.Context, content string, metadata map[string]string) (PlanResult, error)
}

type Executor interface {
	Execute(ctx context.Context, plan model.PlanRecord) (ExecResult, error)
}

// SensitiveFunc reports whether text describes a sensitive action.
type SensitiveFunc func(text string, metadata map[string]string) bool

// TemplatePlanner produces a fixed four-step plan for any content.
type TemplatePlanner struct {
	Sensitive SensitiveFunc
}

func (p TemplatePlanner) GeneratePlan(_ context.Context, content string, metadata map[string]string) (PlanResult, error) {
	summary := firstLine(content, 80)
	if summary == "" {
		return PlanResult{}, fmt.Errorf("%w: empty content", model.ErrPlanningFailure)
	}
	res := PlanResult{
		Steps: []string{
			"analyse: " + summary,
			"process: gather the inputs the task refers to",
			"execute: carry out the requested action",
			"complete: record the result",
		},
		ActionDescription: "handle: " + summary,
	}
	if p.Sensitive != nil && p.Sensitive(content, metadata) {
		res.RequiresApproval = true
	}
	return res, nil
}

// NoopExecutor reports success without side effects.
type NoopExecutor struct{}

func (NoopExecutor) Execute(_ context.Context, plan model.PlanRecord) (ExecResult, error) {
	return ExecResult{
		Success: true,
		Result:  fmt.Sprintf("completed %d steps for %s", len(plan.Steps), plan.TaskID),
	}, nil
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if r := []rune(s); len(r) > max {
		s = string(r[:max]) + "..."
	}
	return s
}
