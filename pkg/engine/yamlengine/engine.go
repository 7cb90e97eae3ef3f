// Package yamlengine is the built-in declarative pipeline dialect. It parses
// YAML pipeline files into executable definitions, reporting findings with
// source line numbers where the parser provides them.
package yamlengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
)

// EngineID identifies the built-in YAML dialect.
const EngineID = "conveyor-yaml"

// Engine compiles declarative YAML pipelines.
type Engine struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

func (e *Engine) Descriptor() domain.EngineDescriptor {
	return domain.EngineDescriptor{
		ID:         EngineID,
		Name:       "Conveyor YAML pipeline",
		Version:    "1.0.0",
		Extensions: []string{".conveyor.yaml", ".conveyor.yml", ".yaml", ".yml"},
		Capabilities: []domain.Capability{
			domain.CapabilityCompilationCaching,
			domain.CapabilityValidation,
		},
	}
}

// Compile parses the source into a pipeline definition. Error findings abort
// the compile; warnings ride along on the compiled script.
func (e *Engine) Compile(ctx context.Context, src runtime.Source, _ runtime.Invocation) (*domain.CompiledScript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	def, diags := e.parse(src)
	if hasErrors(diags) {
		return nil, &domain.CompilationError{EngineID: EngineID, Diagnostics: diags}
	}

	return &domain.CompiledScript{
		Artifact:    def,
		Diagnostics: diags,
		CompiledAt:  time.Now(),
		SizeBytes:   int64(len(src.Content)),
	}, nil
}

// Execute hands back the compiled definition; actually driving it through
// its stages is the pipeline runner's job.
func (e *Engine) Execute(ctx context.Context, script *domain.CompiledScript, _ runtime.Invocation) (domain.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecutionResult{}, err
	}

	def, ok := script.Artifact.(domain.PipelineDefinition)
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("artifact is %T, not a pipeline definition", script.Artifact)
	}
	return domain.Succeeded(def, domain.ExecutionStats{}), nil
}

// Validate parses without materializing an artifact and reports every
// finding, warnings included.
func (e *Engine) Validate(ctx context.Context, src runtime.Source, _ runtime.Invocation) (domain.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ValidationResult{}, err
	}

	_, diags := e.parse(src)
	if len(diags) == 0 {
		return domain.ValidResult(), nil
	}
	return domain.ValidationResult{Valid: !hasErrors(diags), Findings: diags}, nil
}

// Document schema. Each step is either a command (`run`) or a `parallel`
// block of named branches, never both.

type pipelineDoc struct {
	Name   string            `yaml:"name"`
	Env    map[string]string `yaml:"env"`
	Stages []stageDoc        `yaml:"stages"`
	Post   *postDoc          `yaml:"post"`
}

type stageDoc struct {
	Name  string    `yaml:"name"`
	Steps []stepDoc `yaml:"steps"`
	Post  *postDoc  `yaml:"post"`

	line int
}

type stepDoc struct {
	Name     string            `yaml:"name"`
	Run      string            `yaml:"run"`
	Env      map[string]string `yaml:"env"`
	Retry    *retryDoc         `yaml:"retry"`
	Parallel []branchDoc       `yaml:"parallel"`

	line int
}

type branchDoc struct {
	Name  string    `yaml:"name"`
	Steps []stepDoc `yaml:"steps"`

	line int
}

type retryDoc struct {
	MaxAttempts int    `yaml:"maxAttempts"`
	Delay       string `yaml:"delay"`
}

type postDoc struct {
	Always  []stepDoc `yaml:"always"`
	Success []stepDoc `yaml:"success"`
	Failure []stepDoc `yaml:"failure"`
}

func (s *stageDoc) UnmarshalYAML(node *yaml.Node) error {
	type raw stageDoc
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*s = stageDoc(r)
	s.line = node.Line
	return nil
}

func (s *stepDoc) UnmarshalYAML(node *yaml.Node) error {
	type raw stepDoc
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*s = stepDoc(r)
	s.line = node.Line
	return nil
}

func (b *branchDoc) UnmarshalYAML(node *yaml.Node) error {
	type raw branchDoc
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*b = branchDoc(r)
	b.line = node.Line
	return nil
}

// parse decodes and semantically checks the document in one pass.
func (e *Engine) parse(src runtime.Source) (domain.PipelineDefinition, []domain.Diagnostic) {
	p := &parser{file: src.Path}

	var doc pipelineDoc
	if err := yaml.Unmarshal(src.Content, &doc); err != nil {
		p.errorf(0, "invalid YAML: %v", err)
		return domain.PipelineDefinition{}, p.diags
	}

	if doc.Name == "" {
		p.errorf(0, "pipeline has no name")
	}
	if len(doc.Stages) == 0 {
		p.errorf(0, "pipeline %q declares no stages", doc.Name)
	}

	def := domain.PipelineDefinition{Name: doc.Name, Env: doc.Env}
	seen := map[string]bool{}
	for _, sd := range doc.Stages {
		if sd.Name == "" {
			p.errorf(sd.line, "stage has no name")
			continue
		}
		if seen[sd.Name] {
			p.errorf(sd.line, "duplicate stage %q", sd.Name)
			continue
		}
		seen[sd.Name] = true

		stage := domain.Stage{Name: sd.Name}
		if len(sd.Steps) == 0 {
			p.warnf(sd.line, "stage %q has no steps", sd.Name)
		}
		for _, step := range sd.Steps {
			if group, ok := p.convertGroup(sd.Name, step); ok {
				stage.Groups = append(stage.Groups, group)
			}
		}
		stage.Post = p.convertPost(sd.Name, sd.Post)
		def.Stages = append(def.Stages, stage)
	}
	def.Post = p.convertPost("pipeline", doc.Post)

	return def, p.diags
}

type parser struct {
	file  string
	diags []domain.Diagnostic
}

func (p *parser) convertGroup(stage string, sd stepDoc) (domain.StepGroup, bool) {
	if len(sd.Parallel) > 0 {
		if sd.Run != "" {
			p.errorf(sd.line, "step in stage %q sets both run and parallel", stage)
			return domain.StepGroup{}, false
		}
		var branches []domain.Branch
		branchSeen := map[string]bool{}
		for _, bd := range sd.Parallel {
			if bd.Name == "" {
				p.errorf(bd.line, "parallel branch in stage %q has no name", stage)
				continue
			}
			if branchSeen[bd.Name] {
				p.errorf(bd.line, "duplicate branch %q in stage %q", bd.Name, stage)
				continue
			}
			branchSeen[bd.Name] = true

			branch := domain.Branch{Name: bd.Name}
			for _, nested := range bd.Steps {
				if len(nested.Parallel) > 0 {
					p.errorf(nested.line, "branch %q nests another parallel block", bd.Name)
					continue
				}
				if step, ok := p.convertStep(bd.Name, nested); ok {
					branch.Steps = append(branch.Steps, step)
				}
			}
			branches = append(branches, branch)
		}
		if len(branches) == 0 {
			return domain.StepGroup{}, false
		}
		return domain.StepGroup{Branches: branches}, true
	}

	step, ok := p.convertStep(stage, sd)
	if !ok {
		return domain.StepGroup{}, false
	}
	return domain.StepGroup{Step: &step}, true
}

func (p *parser) convertStep(scope string, sd stepDoc) (domain.Step, bool) {
	if sd.Run == "" {
		p.errorf(sd.line, "step %q in %q has no run command", sd.Name, scope)
		return domain.Step{}, false
	}
	name := sd.Name
	if name == "" {
		name = sd.Run
	}
	step := domain.Step{Name: name, Command: sd.Run, Env: sd.Env}

	if sd.Retry != nil {
		if sd.Retry.MaxAttempts < 1 {
			p.errorf(sd.line, "step %q: retry maxAttempts must be at least 1", name)
			return domain.Step{}, false
		}
		retry := &domain.RetrySpec{MaxAttempts: sd.Retry.MaxAttempts}
		if sd.Retry.Delay != "" {
			d, err := time.ParseDuration(sd.Retry.Delay)
			if err != nil {
				p.errorf(sd.line, "step %q: bad retry delay %q", name, sd.Retry.Delay)
				return domain.Step{}, false
			}
			retry.Delay = d
		}
		step.Retry = retry
	}
	return step, true
}

func (p *parser) convertPost(scope string, pd *postDoc) domain.PostActions {
	if pd == nil {
		return domain.PostActions{}
	}
	convert := func(docs []stepDoc) []domain.Step {
		var steps []domain.Step
		for _, sd := range docs {
			if len(sd.Parallel) > 0 {
				p.errorf(sd.line, "post action in %q cannot be parallel", scope)
				continue
			}
			if step, ok := p.convertStep(scope, sd); ok {
				steps = append(steps, step)
			}
		}
		return steps
	}
	return domain.PostActions{
		Always:  convert(pd.Always),
		Success: convert(pd.Success),
		Failure: convert(pd.Failure),
	}
}

func (p *parser) errorf(line int, format string, args ...any) {
	p.diags = append(p.diags, domain.Diagnostic{
		Severity: domain.SeverityError,
		Message:  fmt.Sprintf(format, args...),
		Location: p.location(line),
	})
}

func (p *parser) warnf(line int, format string, args ...any) {
	p.diags = append(p.diags, domain.Diagnostic{
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf(format, args...),
		Location: p.location(line),
	})
}

func (p *parser) location(line int) *domain.SourceLocation {
	if line <= 0 {
		return nil
	}
	return &domain.SourceLocation{File: p.file, Line: line}
}

func hasErrors(diags []domain.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == domain.SeverityError {
			return true
		}
	}
	return false
}
