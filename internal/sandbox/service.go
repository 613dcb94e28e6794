// Package sandbox manages ephemeral execution sessions against an unreliable
// upstream sandbox service. The Manager owns session lifecycle and routes
// every upstream call through admission control (rate limiter) and failure
// isolation (circuit breaker); denied operations are persisted as jobs and
// replayed by the sweep instead of being dropped.
package sandbox

import (
	"context"
	"time"
)

// Report is the structured outcome of one command executed inside a sandbox.
// A command that ran and exited non-zero is a valid report, not an error;
// errors are reserved for transport-level faults reaching the upstream.
type Report struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Passed   bool          `json:"passed"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Sink receives command output incrementally as the upstream produces it.
// Implementations must not block; the drivers call these on the read path.
type Sink interface {
	Stdout(p []byte)
	Stderr(p []byte)
}

// NopSink discards all output.
type NopSink struct{}

func (NopSink) Stdout([]byte) {}
func (NopSink) Stderr([]byte) {}

// Service is the driver interface to one sandbox backend. RunCommand must
// honor ctx cancellation as the hard wall-clock timeout: an expired context
// kills the command and yields a Report with TimedOut set, not an error.
type Service interface {
	Create(ctx context.Context) (handle string, err error)
	RunCommand(ctx context.Context, handle, command string, sink Sink) (*Report, error)
	WriteFiles(ctx context.Context, handle string, files map[string]string) error
	Destroy(ctx context.Context, handle string) error
}

// sinkWriter adapts one side of a Sink to io.Writer for stream demuxing.
type sinkWriter struct {
	sink   Sink
	stderr bool
}

func (w sinkWriter) Write(p []byte) (int, error) {
	if w.stderr {
		w.sink.Stderr(p)
	} else {
		w.sink.Stdout(p)
	}
	return len(p), nil
}
