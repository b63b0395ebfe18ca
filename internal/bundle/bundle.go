// Package bundle loads YAML workflow bundles (prompts, workflows and
// schedules) and applies them to a store after authoring validation.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// Bundle is the content of one bundle file. Field names follow the JSON
// names of the schema types.
type Bundle struct {
	Prompts   []*schema.Prompt   `json:"prompts,omitempty"`
	Workflows []*schema.Workflow `json:"workflows,omitempty"`
	Schedules []*schema.Schedule `json:"schedules,omitempty"`
}

// Parse decodes a bundle from YAML. Nested objects such as step_config
// and condition_rules are written as plain YAML maps.
func Parse(data []byte) (*Bundle, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse bundle: %v", err).WithCause(err)
	}
	if doc == nil {
		return &Bundle{}, nil
	}
	// Round-trip through JSON so the schema types' json tags and
	// json.RawMessage fields apply unchanged.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse bundle: %v", err).WithCause(err)
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse bundle: %v", err).WithCause(err)
	}
	for _, wf := range b.Workflows {
		for i := range wf.Steps {
			wf.Steps[i].WorkflowID = wf.ID
		}
	}
	return &b, nil
}

// Load reads and parses a bundle file.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	return Parse(data)
}

// Store is the persistence a bundle is applied to.
type Store interface {
	store.PromptStore
	store.WorkflowStore
	store.ScheduleStore
	validation.PromptLookup
}

// Report lists what Apply wrote, or would write on a dry run.
type Report struct {
	Prompts   []string                 `json:"prompts,omitempty"` // name@version
	Workflows []string                 `json:"workflows,omitempty"`
	Schedules []string                 `json:"schedules,omitempty"`
	Issues    *schema.ValidationResult `json:"issues,omitempty"`
	DryRun    bool                     `json:"dry_run"`
}

// Applier validates bundles and writes them.
type Applier struct {
	store      Store
	actions    validation.ActionLookup
	recurrence validation.ExpressionChecker
	logger     *slog.Logger
}

// NewApplier creates an Applier. actions is the registry steps are
// checked against.
func NewApplier(s Store, actions validation.ActionLookup, recurrence validation.ExpressionChecker, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: s, actions: actions, recurrence: recurrence, logger: logger}
}

// bundlePrompts resolves prompt references against the bundle being
// applied before falling back to the store.
type bundlePrompts struct {
	store Store
	names map[string]bool
}

func (p *bundlePrompts) HasPrompt(ctx context.Context, name string, version int) bool {
	if version == 0 && p.names[name] {
		return true
	}
	return p.store.HasPrompt(ctx, name, version)
}

// Validate checks every item of b without writing anything.
func (a *Applier) Validate(ctx context.Context, b *Bundle) (*schema.ValidationResult, error) {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(b.Prompts))
	for i, p := range b.Prompts {
		if p.Name == "" {
			result.AddError(fmt.Sprintf("prompts[%d].name", i), schema.ErrCodeValidation, "prompt name is required")
			continue
		}
		if p.SystemPromptText == "" && p.UserPromptText == "" {
			result.AddError(fmt.Sprintf("prompts[%s]", p.Name), schema.ErrCodeValidation, "prompt has no text")
		}
		names[p.Name] = true
	}

	wv, err := validation.NewWorkflowValidator(a.actions, &bundlePrompts{store: a.store, names: names})
	if err != nil {
		return nil, err
	}
	workflowIDs := make(map[string]bool, len(b.Workflows))
	for i, wf := range b.Workflows {
		// Bundles are re-applied, so items need stable IDs to upsert.
		if wf.ID == "" {
			result.AddError(fmt.Sprintf("workflows[%d].id", i), schema.ErrCodeValidation, "workflow id is required")
			continue
		}
		workflowIDs[wf.ID] = true
		result.Merge(fmt.Sprintf("workflows[%s]", wf.ID), wv.Validate(ctx, wf))
	}

	for i, s := range b.Schedules {
		if s.ID == "" {
			result.AddError(fmt.Sprintf("schedules[%d].id", i), schema.ErrCodeValidation, "schedule id is required")
			continue
		}
		path := fmt.Sprintf("schedules[%s]", s.ID)
		result.Merge(path, validation.ValidateSchedule(s, a.recurrence))
		if s.Item.Kind != schema.ItemKindWorkflow || workflowIDs[s.Item.ID] {
			continue
		}
		if _, err := a.store.GetWorkflow(ctx, s.Item.ID); err != nil {
			if !schema.IsNotFound(err) {
				return nil, err
			}
			result.AddError(path+".item.id", schema.ErrCodeNotFound,
				fmt.Sprintf("workflow %q is neither in the bundle nor stored", s.Item.ID))
		}
	}
	return result, nil
}

// Apply validates the whole bundle and writes it in dependency order:
// prompts, workflows, schedules. Nothing is written when any item fails
// validation. A prompt whose text and model match its latest active
// version is left alone so re-applying a bundle does not mint versions.
func (a *Applier) Apply(ctx context.Context, b *Bundle, dryRun bool) (*Report, error) {
	issues, err := a.Validate(ctx, b)
	if err != nil {
		return nil, err
	}
	report := &Report{DryRun: dryRun, Issues: issues}
	if err := issues.ToError(); err != nil {
		return report, err
	}

	if dryRun {
		for _, p := range b.Prompts {
			report.Prompts = append(report.Prompts, p.Name)
		}
		for _, wf := range b.Workflows {
			report.Workflows = append(report.Workflows, wf.ID)
		}
		for _, s := range b.Schedules {
			report.Schedules = append(report.Schedules, s.ID)
		}
		return report, nil
	}

	for _, p := range b.Prompts {
		ref, err := a.applyPrompt(ctx, p)
		if err != nil {
			return report, err
		}
		report.Prompts = append(report.Prompts, ref)
	}
	for _, wf := range b.Workflows {
		if err := a.store.SaveWorkflow(ctx, wf); err != nil {
			return report, err
		}
		report.Workflows = append(report.Workflows, wf.ID)
	}
	for _, s := range b.Schedules {
		if err := a.store.SaveSchedule(ctx, s); err != nil {
			return report, err
		}
		report.Schedules = append(report.Schedules, s.ID)
	}
	a.logger.InfoContext(ctx, "bundle applied",
		slog.Int("prompts", len(report.Prompts)),
		slog.Int("workflows", len(report.Workflows)),
		slog.Int("schedules", len(report.Schedules)),
	)
	return report, nil
}

func (a *Applier) applyPrompt(ctx context.Context, p *schema.Prompt) (string, error) {
	if p.Status == "" {
		p.Status = schema.PromptStatusActive
	}
	latest, err := a.store.GetPrompt(ctx, p.Name, 0)
	switch {
	case err == nil && samePrompt(latest, p):
		return promptRef(latest), nil
	case err != nil && !schema.IsNotFound(err):
		return "", err
	}
	if err := a.store.CreatePromptVersion(ctx, p); err != nil {
		return "", err
	}
	return promptRef(p), nil
}

func promptRef(p *schema.Prompt) string {
	return fmt.Sprintf("%s@%d", p.Name, p.Version)
}

func samePrompt(a, b *schema.Prompt) bool {
	return a.SystemPromptText == b.SystemPromptText &&
		a.UserPromptText == b.UserPromptText &&
		a.ModelName == b.ModelName &&
		a.Status == b.Status
}
