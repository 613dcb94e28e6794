// Package agents implements the generation pipeline: the framework selector
// classifies the request onto a closed stack set, the planner decomposes it
// into steps, the coder emits a complete file set, and the runner drives the
// stages plus the bounded validate-and-repair loop over a sandbox session.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"appforge/internal/llm"
)

// ErrMalformedOutput is returned when a stage exhausts its retry budget for
// unparseable or out-of-set model output.
var ErrMalformedOutput = fmt.Errorf("model output malformed after retries")

// Selector classifies a natural-language request onto exactly one supported
// stack identifier. Each stage is stateless given its inputs; retries here
// cover malformed output only, never transport failures.
type Selector struct {
	gen     llm.Generator
	retries int
}

func NewSelector(gen llm.Generator, malformedRetries int) *Selector {
	if malformedRetries < 0 {
		malformedRetries = 0
	}
	return &Selector{gen: gen, retries: malformedRetries}
}

// Select returns the chosen stack for the request. Out-of-set output is
// retried up to the malformed budget, then surfaced as a hard failure.
func (s *Selector) Select(ctx context.Context, request string) (Stack, error) {
	var options strings.Builder
	for _, id := range StackIDs() {
		st, _ := StackByID(id)
		fmt.Fprintf(&options, "- %s: %s\n", st.ID, st.Description)
	}

	prompt := fmt.Sprintf(`Classify the following application request onto exactly one target stack.

Supported stacks:
%s
Request: %s

Respond with the stack identifier only, nothing else. If the request is ambiguous or could be served by several stacks, answer %q.`,
		options.String(), request, DefaultStackID)

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		resp, err := s.gen.Generate(ctx, &llm.Request{
			System: "You are a precise classifier. Output a single identifier with no explanation.",
			Prompt: prompt,
		})
		if err != nil {
			return Stack{}, err
		}

		id := normalizeStackID(resp.Content)
		if stack, ok := StackByID(id); ok {
			return stack, nil
		}
		lastErr = fmt.Errorf("unrecognized stack identifier %q", strings.TrimSpace(resp.Content))
	}
	return Stack{}, fmt.Errorf("%w: %v", ErrMalformedOutput, lastErr)
}

func normalizeStackID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	id = strings.Trim(id, "`\"'., \n")
	// Model may wrap the answer in a sentence; take the last token that
	// matches a known identifier.
	if _, ok := StackByID(id); ok {
		return id
	}
	for _, field := range strings.Fields(id) {
		field = strings.Trim(field, "`\"'.,")
		if _, ok := StackByID(field); ok {
			return field
		}
	}
	return id
}

// parseJSONResponse strips markdown fences and extracts the outermost JSON
// object before unmarshaling. Models routinely wrap JSON in prose.
func parseJSONResponse(response string, target interface{}) error {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
		response = strings.TrimSuffix(response, "```")
		response = strings.TrimSpace(response)
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
		response = strings.TrimSuffix(response, "```")
		response = strings.TrimSpace(response)
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start != -1 && end != -1 && end > start {
		response = response[start : end+1]
	}

	return json.Unmarshal([]byte(response), target)
}
