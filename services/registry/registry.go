package registry

import (
	"context"
	"sync"

	"flowplane/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// GlobalOrgID is the sentinel tenant scope for system-originated work.
const GlobalOrgID = "GLOBAL"

// Caller identifies who asked for an execution. It is passed unmodified into
// the invoked workflow handler.
type Caller struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	OrgID    string `json:"orgId,omitempty"`
	IsSystem bool   `json:"isSystem"`
}

// SystemCaller returns the synthetic elevated identity used for executions
// triggered by the schedule processor rather than a human request.
func SystemCaller() Caller {
	return Caller{
		UserID:   "system",
		UserName: "System Scheduler",
		OrgID:    GlobalOrgID,
		IsSystem: true,
	}
}

// Result is what a workflow handler returns. A handler that completes but
// reports Failed=true is classified CompletedWithErrors, not Failed.
type Result struct {
	Data         any      `json:"data,omitempty"`
	Failed       bool     `json:"failed,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	Logs         []string `json:"logs,omitempty"`
}

// Handler is a registered workflow function.
type Handler func(ctx context.Context, caller Caller, params map[string]any) (*Result, error)

type Workflow struct {
	Name           string
	CronExpression string
	Description    string
	Handler        Handler
}

// ScheduledWorkflow is the subset of Workflow the schedule processor needs.
type ScheduledWorkflow struct {
	Name           string
	CronExpression string
	Description    string
}

// Registry is a process-wide, read-mostly map of registered workflows. It is
// built once at startup from the provided set; the only mutation path is an
// explicit Reload.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

var Module = fx.Module("registry", fx.Provide(New))

type Params struct {
	fx.In
	Workflows []Workflow `group:"workflows"`
}

func New(p Params) *Registry {
	r := &Registry{workflows: make(map[string]Workflow, len(p.Workflows))}
	for _, wf := range p.Workflows {
		r.workflows[wf.Name] = wf
	}
	return r
}

// NewWithWorkflows builds a registry directly, bypassing fx.
func NewWithWorkflows(workflows ...Workflow) *Registry {
	return New(Params{Workflows: workflows})
}

func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[name]
	if !ok {
		return nil, errutil.NotFound("workflow not registered", errutil.WithDetails(errutil.Detail{
			Field:   "workflowName",
			Message: name,
		}))
	}
	return wf.Handler, nil
}

// ListScheduled returns every workflow carrying a cron expression.
func (r *Registry) ListScheduled() []ScheduledWorkflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ScheduledWorkflow, 0)
	for _, wf := range r.workflows {
		if wf.CronExpression == "" {
			continue
		}
		out = append(out, ScheduledWorkflow{
			Name:           wf.Name,
			CronExpression: wf.CronExpression,
			Description:    wf.Description,
		})
	}
	return out
}

// Reload atomically replaces the registered set. It is triggered externally
// (RPC or message), never lazily.
func (r *Registry) Reload(load func() ([]Workflow, error)) error {
	workflows, err := load()
	if err != nil {
		return err
	}

	next := make(map[string]Workflow, len(workflows))
	for _, wf := range workflows {
		next[wf.Name] = wf
	}

	r.mu.Lock()
	r.workflows = next
	r.mu.Unlock()

	zap.L().Info("workflow registry reloaded", zap.Int("workflows", len(next)))
	return nil
}
