package agents

import (
	"context"
	"fmt"
	"strings"

	"appforge/internal/llm"
)

// Plan is the ordered implementation outline the coder works from. It never
// contains code.
type Plan struct {
	Steps       []string `json:"steps"`
	Assumptions []string `json:"assumptions"`
	Risks       []string `json:"risks"`
}

// Planner decomposes a request into concrete implementation steps for the
// selected stack.
type Planner struct {
	gen     llm.Generator
	retries int
}

func NewPlanner(gen llm.Generator, malformedRetries int) *Planner {
	if malformedRetries < 0 {
		malformedRetries = 0
	}
	return &Planner{gen: gen, retries: malformedRetries}
}

// CreatePlan produces the step list plus explicit assumptions and risks.
func (p *Planner) CreatePlan(ctx context.Context, request string, stack Stack) (*Plan, error) {
	prompt := fmt.Sprintf(`Decompose the following application request into an ordered implementation plan for a %s project.

Request: %s

Output JSON only, in this shape:
{
  "steps": ["concrete implementation step", ...],
  "assumptions": ["assumption made where the request is silent", ...],
  "risks": ["risk or open concern", ...]
}

Rules:
- Steps must be concrete and ordered; each names files or features to produce.
- Do not include any source code.
- Keep the plan scoped to %s conventions.`,
		stack.Name, request, stack.Name)

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		resp, err := p.gen.Generate(ctx, &llm.Request{
			System: "You are a software architect. Output strictly valid JSON with no commentary.",
			Prompt: prompt,
		})
		if err != nil {
			return nil, err
		}

		var plan Plan
		if err := parseJSONResponse(resp.Content, &plan); err != nil {
			lastErr = err
			continue
		}
		if len(plan.Steps) == 0 {
			lastErr = fmt.Errorf("plan has no steps")
			continue
		}
		return &plan, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, lastErr)
}

// Summary renders the plan for inclusion in a coder prompt.
func (p *Plan) Summary() string {
	var b strings.Builder
	b.WriteString("Steps:\n")
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	if len(p.Assumptions) > 0 {
		b.WriteString("Assumptions:\n")
		for _, a := range p.Assumptions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}
