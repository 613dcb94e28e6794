package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"appforge/internal/config"
	"appforge/internal/logging"
)

// RemoteService drives the hosted sandbox HTTP API. Command output is
// streamed back as NDJSON frames so callers observe stdout/stderr
// incrementally instead of waiting for the command to finish.
type RemoteService struct {
	baseURL  string
	apiToken string
	client   *http.Client
	log      *zap.Logger
}

// NewRemoteService builds a driver for the remote sandbox API.
func NewRemoteService(cfg config.SandboxConfig) (*RemoteService, error) {
	if cfg.RemoteBaseURL == "" {
		return nil, errors.New("sandbox remote base URL is required")
	}
	return &RemoteService{
		baseURL:  strings.TrimRight(cfg.RemoteBaseURL, "/"),
		apiToken: cfg.RemoteAPIToken,
		// Per-call deadlines come from the caller's context; the client
		// itself stays unbounded so long-running commands can stream.
		client: &http.Client{},
		log:    logging.L(),
	}, nil
}

type createResponse struct {
	Handle string `json:"handle"`
}

// execFrame is one NDJSON line of a streaming exec response. Output frames
// carry Stream+Data; the final frame carries ExitCode/TimedOut with Done set.
type execFrame struct {
	Stream   string `json:"stream,omitempty"` // "stdout" or "stderr"
	Data     string `json:"data,omitempty"`
	Done     bool   `json:"done,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Create provisions a fresh sandbox and returns its upstream handle.
func (s *RemoteService) Create(ctx context.Context) (string, error) {
	var out createResponse
	if err := s.doJSON(ctx, http.MethodPost, "/v1/sandboxes", nil, &out); err != nil {
		return "", fmt.Errorf("failed to create sandbox: %w", err)
	}
	if out.Handle == "" {
		return "", errors.New("sandbox service returned an empty handle")
	}
	return out.Handle, nil
}

// WriteFiles materializes generated files inside the sandbox.
func (s *RemoteService) WriteFiles(ctx context.Context, handle string, files map[string]string) error {
	body := map[string]interface{}{"files": files}
	path := fmt.Sprintf("/v1/sandboxes/%s/files", handle)
	if err := s.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("failed to write sandbox files: %w", err)
	}
	return nil
}

// RunCommand executes a shell command in the sandbox and streams its output
// into sink. The ctx deadline is forwarded to the upstream as the command's
// wall-clock budget; a timed-out command yields a failed report, not an error.
func (s *RemoteService) RunCommand(ctx context.Context, handle, command string, sink Sink) (*Report, error) {
	if sink == nil {
		sink = NopSink{}
	}

	payload := map[string]interface{}{"command": command}
	if deadline, ok := ctx.Deadline(); ok {
		payload["timeout_ms"] = time.Until(deadline).Milliseconds()
	}

	start := time.Now()
	resp, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sandboxes/%s/exec", handle), payload)
	if err != nil {
		// The upstream killed the command at the deadline but the final
		// frame may not arrive before our own context expires.
		if errors.Is(err, context.DeadlineExceeded) {
			return s.timedOutReport(command, start), nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError(resp)
	}

	report := &Report{Command: command}
	var stdout, stderr strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame execFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("malformed exec frame from sandbox service: %w", err)
		}
		switch {
		case frame.Done:
			report.ExitCode = frame.ExitCode
			report.TimedOut = frame.TimedOut
		case frame.Stream == "stderr":
			stderr.WriteString(frame.Data)
			sink.Stderr([]byte(frame.Data))
		default:
			stdout.WriteString(frame.Data)
			sink.Stdout([]byte(frame.Data))
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return s.timedOutReport(command, start), nil
		}
		return nil, fmt.Errorf("sandbox exec stream interrupted: %w", err)
	}

	report.Stdout = stdout.String()
	report.Stderr = stderr.String()
	report.Duration = time.Since(start)
	report.Passed = report.ExitCode == 0 && !report.TimedOut
	return report, nil
}

// Destroy tears down the sandbox. Destroying an unknown handle is not an
// error; the upstream evicts idle sandboxes on its own schedule.
func (s *RemoteService) Destroy(ctx context.Context, handle string) error {
	resp, err := s.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/sandboxes/%s", handle), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	return s.statusError(resp)
}

func (s *RemoteService) timedOutReport(command string, start time.Time) *Report {
	return &Report{
		Command:  command,
		ExitCode: -1,
		TimedOut: true,
		Duration: time.Since(start),
	}
}

func (s *RemoteService) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox service unreachable: %w", err)
	}
	return resp, nil
}

func (s *RemoteService) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := s.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *RemoteService) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("sandbox service returned %d: %s", resp.StatusCode, msg)
}
