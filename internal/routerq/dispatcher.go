package routerq

import (
	"context"
	"log/slog"
	"strings"
)

// Tier is one executor class with an inclusive weight range and the
// model it runs on.
type Tier struct {
	Name   string
	Min    int
	Max    int
	Model  string
	Prompt string // optional per-tier template override
}

// DefaultTiers mirror the standard three-class split.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "haiku", Min: 1, Max: 3, Model: "anthropic/claude-haiku-4-5"},
		{Name: "sonnet", Min: 4, Max: 7, Model: "anthropic/claude-sonnet-4-5"},
		{Name: "opus", Min: 8, Max: 10, Model: "anthropic/claude-opus-4-6"},
	}
}

// DefaultTierName catches weights outside every configured range.
const DefaultTierName = "sonnet"

// DefaultPromptTemplate renders the executor prompt. Placeholders:
// {task}, {context}, {issuer}, {constraints}.
const DefaultPromptTemplate = `You are executing a dispatched task on behalf of {issuer}.

Task: {task}

Context: {context}

Constraints: {constraints}

Produce the final result only. Be complete but concise.`

// Dispatcher maps weights to tiers, renders the executor prompt, and
// hands the job to the worker fire-and-forget.
type Dispatcher struct {
	store    *Store
	worker   *Worker
	tiers    []Tier
	template string
	workerID string
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher. Nil tiers and empty template take
// the defaults.
func NewDispatcher(store *Store, worker *Worker, tiers []Tier, template, workerID string, logger *slog.Logger) *Dispatcher {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	if template == "" {
		template = DefaultPromptTemplate
	}
	if workerID == "" {
		workerID = "router-worker-1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		worker:   worker,
		tiers:    tiers,
		template: template,
		workerID: workerID,
		logger:   logger,
	}
}

// TierFor maps a weight to its tier. Weights outside every range take
// the default tier.
func (d *Dispatcher) TierFor(weight int) Tier {
	for _, t := range d.tiers {
		if weight >= t.Min && weight <= t.Max {
			return t
		}
	}
	for _, t := range d.tiers {
		if t.Name == DefaultTierName {
			return t
		}
	}
	return d.tiers[0]
}

// tierByName resolves a retry job's already-assigned tier.
func (d *Dispatcher) tierByName(name string) (Tier, bool) {
	for _, t := range d.tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Dispatch selects the tier (reusing the job's tier on retries), marks
// the job in_execution, and starts the worker. Returns the chosen tier.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) (Tier, error) {
	tier, known := d.tierByName(job.Tier)
	if !known {
		tier = d.TierFor(job.Weight)
	}

	prompt := d.RenderPrompt(tier, job)
	if err := d.store.MarkInExecution(job.ID, tier.Name, d.workerID); err != nil {
		return tier, err
	}
	job.Status = StatusInExecution
	job.Tier = tier.Name

	d.logger.Info("job dispatched",
		"job_id", job.ID, "tier", tier.Name, "model", tier.Model, "weight", job.Weight)

	go d.worker.Execute(ctx, job, prompt, tier.Model)
	return tier, nil
}

// RenderPrompt fills the tier template from the job.
func (d *Dispatcher) RenderPrompt(tier Tier, job *Job) string {
	tpl := tier.Prompt
	if tpl == "" {
		tpl = d.template
	}
	r := strings.NewReplacer(
		"{task}", job.Payload.Task,
		"{context}", job.Payload.Context,
		"{issuer}", job.Issuer,
		"{constraints}", job.Payload.Constraints,
	)
	return r.Replace(tpl)
}
