package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"appforge/internal/config"
	"appforge/internal/logging"
)

const workDir = "/workspace"

// DockerService runs sandboxes as long-lived local containers. Each session
// is one container kept alive for the run; commands execute via docker exec.
// Used for local development and CI where the hosted sandbox service is not
// reachable.
type DockerService struct {
	cli   *client.Client
	image string
	log   *zap.Logger
}

// NewDockerService creates a Docker SDK-backed sandbox driver.
func NewDockerService(cfg config.SandboxConfig) (*DockerService, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}

	img := cfg.Image
	if img == "" {
		img = "node:20-alpine"
	}
	return &DockerService{cli: cli, image: img, log: logging.L()}, nil
}

// Create starts a fresh session container and returns its ID as the handle.
func (s *DockerService) Create(ctx context.Context) (string, error) {
	if err := s.ensureImage(ctx); err != nil {
		return "", err
	}

	name := "forge-sandbox-" + uuid.New().String()[:12]
	pidsLimit := int64(512)
	created, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:      s.image,
		WorkingDir: workDir,
		// The container idles until commands arrive over exec.
		Cmd: []string{"sleep", "infinity"},
		Tty: false,
	}, &container.HostConfig{
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges:true"},
		NetworkMode: "bridge",
		Resources: container.Resources{
			Memory:     2 * 1024 * 1024 * 1024,
			MemorySwap: 2 * 1024 * 1024 * 1024,
			NanoCPUs:   2_000_000_000,
			PidsLimit:  &pidsLimit,
		},
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("docker container create failed: %w", err)
	}

	if err := s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = s.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("docker container start failed: %w", err)
	}

	s.log.Info("Started sandbox container",
		zap.String("container_id", created.ID[:12]),
		zap.String("image", s.image))
	return created.ID, nil
}

// WriteFiles copies generated files into the session container under the
// workspace directory.
func (s *DockerService) WriteFiles(ctx context.Context, handle string, files map[string]string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for name, content := range files {
		clean := path.Clean(strings.TrimPrefix(name, "/"))
		if clean == "." || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("invalid file path %q", name)
		}
		hdr := &tar.Header{
			Name:    clean,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tar write failed: %w", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return fmt.Errorf("tar write failed: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close failed: %w", err)
	}

	if err := s.cli.CopyToContainer(ctx, handle, workDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy files into sandbox: %w", err)
	}
	return nil
}

// RunCommand executes a shell command inside the session container via exec,
// streaming demuxed output into sink. The ctx deadline is the hard wall-clock
// budget; on expiry the exec's attached connection is torn down and the
// command reported as timed out.
func (s *DockerService) RunCommand(ctx context.Context, handle, command string, sink Sink) (*Report, error) {
	if sink == nil {
		sink = NopSink{}
	}

	execResp, err := s.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          []string{"sh", "-lc", command},
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker exec create failed: %w", err)
	}

	att, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker exec attach failed: %w", err)
	}
	defer att.Close()

	start := time.Now()
	report := &Report{Command: command}
	var stdout, stderr bytes.Buffer

	done := make(chan error, 1)
	go func() {
		_, cpErr := stdcopy.StdCopy(
			io.MultiWriter(&stdout, sinkWriter{sink: sink}),
			io.MultiWriter(&stderr, sinkWriter{sink: sink, stderr: true}),
			att.Reader,
		)
		done <- cpErr
	}()

	select {
	case <-ctx.Done():
		// Closing the hijacked connection unblocks the copier; the exec'd
		// process is left to the container, which the manager will destroy.
		att.Close()
		<-done
		report.Stdout = stdout.String()
		report.Stderr = stderr.String()
		report.ExitCode = -1
		report.TimedOut = true
		report.Duration = time.Since(start)
		return report, nil
	case cpErr := <-done:
		if cpErr != nil && !errors.Is(cpErr, io.EOF) {
			return nil, fmt.Errorf("docker exec read failed: %w", cpErr)
		}
	}

	inspect, err := s.cli.ContainerExecInspect(context.Background(), execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("docker exec inspect failed: %w", err)
	}

	report.Stdout = stdout.String()
	report.Stderr = stderr.String()
	report.ExitCode = inspect.ExitCode
	report.Duration = time.Since(start)
	report.Passed = inspect.ExitCode == 0
	return report, nil
}

// Destroy force-removes the session container.
func (s *DockerService) Destroy(ctx context.Context, handle string) error {
	err := s.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker container remove failed: %w", err)
	}
	return nil
}

func (s *DockerService) ensureImage(ctx context.Context) error {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, s.image)
	if err == nil {
		return nil
	}
	rc, pullErr := s.cli.ImagePull(ctx, s.image, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w (inspect err: %v)", s.image, pullErr, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}
