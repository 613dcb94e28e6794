package agents

import (
	"context"
	"fmt"
	"strings"

	"appforge/internal/llm"
	"appforge/internal/sandbox"
)

// Coder turns a plan into a complete file set for the selected stack. On a
// repair cycle it additionally receives the failed validation report and must
// emit the corrected files.
type Coder struct {
	gen     llm.Generator
	retries int
}

func NewCoder(gen llm.Generator, malformedRetries int) *Coder {
	if malformedRetries < 0 {
		malformedRetries = 0
	}
	return &Coder{gen: gen, retries: malformedRetries}
}

type coderOutput struct {
	Files []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
}

// GenerateFiles emits the file set. repairReport is nil on the first pass and
// carries the most recent failed validation on repair cycles.
func (c *Coder) GenerateFiles(ctx context.Context, request string, stack Stack, plan *Plan, repairReport *sandbox.Report) (map[string]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the following application as a complete %s project.\n\n", stack.Name)
	fmt.Fprintf(&b, "Request: %s\n\n", request)
	fmt.Fprintf(&b, "Plan:\n%s\n", plan.Summary())

	if repairReport != nil {
		b.WriteString("\nThe previous attempt failed validation. Fix the errors below and return the full corrected file set.\n")
		fmt.Fprintf(&b, "Failed command: %s (exit %d)\n", repairReport.Command, repairReport.ExitCode)
		if repairReport.TimedOut {
			b.WriteString("The command exceeded its time budget.\n")
		}
		if out := strings.TrimSpace(repairReport.Stdout); out != "" {
			fmt.Fprintf(&b, "stdout:\n%s\n", truncate(out, 8000))
		}
		if errOut := strings.TrimSpace(repairReport.Stderr); errOut != "" {
			fmt.Fprintf(&b, "stderr:\n%s\n", truncate(errOut, 8000))
		}
	}

	b.WriteString(`
Output JSON only, in this shape:
{"files": [{"path": "relative/path", "content": "full file content"}, ...]}

Rules:
- Emit every file the project needs, including package.json and configs.
- Paths are relative, no leading slash, no "..".
- Content is the complete file, never a diff or placeholder.`)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		resp, err := c.gen.Generate(ctx, &llm.Request{
			System: "You are an expert software engineer. Output strictly valid JSON with no commentary.",
			Prompt: b.String(),
		})
		if err != nil {
			return nil, err
		}

		var out coderOutput
		if err := parseJSONResponse(resp.Content, &out); err != nil {
			lastErr = err
			continue
		}
		files, err := validateFiles(out)
		if err != nil {
			lastErr = err
			continue
		}
		return files, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, lastErr)
}

func validateFiles(out coderOutput) (map[string]string, error) {
	if len(out.Files) == 0 {
		return nil, fmt.Errorf("coder returned no files")
	}
	files := make(map[string]string, len(out.Files))
	for _, f := range out.Files {
		path := strings.TrimSpace(f.Path)
		if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") {
			return nil, fmt.Errorf("invalid file path %q", f.Path)
		}
		if f.Content == "" {
			return nil, fmt.Errorf("empty content for %q", path)
		}
		files[path] = f.Content
	}
	return files, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
