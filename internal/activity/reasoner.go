package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/roach88/transformflow/internal/ir"
)

// CompletionConfig configures the OpenAI-compatible completion service.
type CompletionConfig struct {
	BaseURL string
	Model   string
	Token   string
}

// ErrInvalidCompletion is returned when a completion cannot be parsed.
var ErrInvalidCompletion = errors.New("completion: invalid response")

// Reasoner implements plan, revise-plan, generate-code and repair on top
// of a text completion model.
type Reasoner struct {
	model  llms.Model
	logger *zap.Logger
}

var _ Planner = (*Reasoner)(nil)

// NewReasoner creates a Reasoner over model.
func NewReasoner(model llms.Model, logger *zap.Logger) *Reasoner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reasoner{model: model, logger: logger}
}

// NewOpenAIReasoner creates a Reasoner backed by an OpenAI-compatible
// endpoint.
func NewOpenAIReasoner(cfg CompletionConfig, logger *zap.Logger) (*Reasoner, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("completion: model required")
	}
	token := cfg.Token
	if token == "" {
		// The client insists on a token; local endpoints ignore it.
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating completion client: %w", err)
	}
	return NewReasoner(llm, logger), nil
}

const planFormat = `Respond with JSON only: {"summary": "...", "steps": [{"description": "..."}]}`

// Plan implements the plan activity.
func (r *Reasoner) Plan(ctx context.Context, call Call, in ir.PlanInput) (ir.Plan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan a data transformation for client %s.\n", in.ClientID)
	fmt.Fprintf(&b, "Mapping spec: %s\nSource data: %s\n", in.MappingRef, in.DataRef)
	if in.PriorFeedback != "" {
		fmt.Fprintf(&b, "The previous output was rejected with this feedback: %s\n", in.PriorFeedback)
	}
	b.WriteString(planFormat)
	return r.plan(ctx, call, ir.ActivityPlan, b.String())
}

// RevisePlan implements the revise-plan activity.
func (r *Reasoner) RevisePlan(ctx context.Context, call Call, in ir.RevisePlanInput) (ir.Plan, error) {
	current, err := json.Marshal(in.Plan)
	if err != nil {
		return ir.Plan{}, err
	}
	prompt := fmt.Sprintf("Revise this transformation plan.\nPlan: %s\nReviewer feedback: %s\n%s",
		current, in.Feedback, planFormat)
	return r.plan(ctx, call, ir.ActivityRevisePlan, prompt)
}

// GenerateCode implements the generate-code activity.
func (r *Reasoner) GenerateCode(ctx context.Context, call Call, in ir.GenerateCodeInput) (string, error) {
	plan, err := json.Marshal(in.Plan)
	if err != nil {
		return "", err
	}
	prompt := fmt.Sprintf("Write a batch job for client %s implementing this plan.\n"+
		"Plan: %s\nRead input from %s and write output to %s.\nRespond with code only.",
		in.ClientID, plan, in.InputRef, in.OutputRef)
	return r.code(ctx, call, ir.ActivityGenerateCode, prompt)
}

// Repair implements the repair activity.
func (r *Reasoner) Repair(ctx context.Context, call Call, in ir.RepairInput) (string, error) {
	prompt := fmt.Sprintf("This batch job failed on attempt %d.\nCode:\n%s\nError:\n%s\n"+
		"Respond with the corrected code only.", in.Attempt, in.Code, in.ErrorLog)
	return r.code(ctx, call, ir.ActivityRepair, prompt)
}

func (r *Reasoner) complete(ctx context.Context, call Call, name, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, r.model, prompt, llms.WithTemperature(0))
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", name, err)
	}
	r.logger.Debug("completion received",
		zap.String("instance_id", call.InstanceID),
		zap.String("activity", name),
		zap.Int("length", len(out)),
	)
	return out, nil
}

func (r *Reasoner) plan(ctx context.Context, call Call, name, prompt string) (ir.Plan, error) {
	out, err := r.complete(ctx, call, name, prompt)
	if err != nil {
		return ir.Plan{}, err
	}
	return ParsePlan(out)
}

func (r *Reasoner) code(ctx context.Context, call Call, name, prompt string) (string, error) {
	out, err := r.complete(ctx, call, name, prompt)
	if err != nil {
		return "", err
	}
	code := stripFences(out)
	if code == "" {
		return "", fmt.Errorf("%w: empty code", ErrInvalidCompletion)
	}
	return code, nil
}

// ParsePlan extracts a plan from a completion. The JSON object may be
// wrapped in a code fence or surrounded by prose. The version is left to
// the engine.
func ParsePlan(out string) (ir.Plan, error) {
	text := stripFences(out)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ir.Plan{}, fmt.Errorf("%w: no JSON object", ErrInvalidCompletion)
	}

	var p ir.Plan
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return ir.Plan{}, fmt.Errorf("%w: %v", ErrInvalidCompletion, err)
	}
	if strings.TrimSpace(p.Summary) == "" || len(p.Steps) == 0 {
		return ir.Plan{}, fmt.Errorf("%w: plan needs a summary and steps", ErrInvalidCompletion)
	}
	p.Version = 0
	return p, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = ""
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
