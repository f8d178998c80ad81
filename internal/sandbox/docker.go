package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	workDir       = "/work"
	testsName     = "tests.json"
	reportPath    = "/tmp/judge-report.json"
	judgeUser     = "1000"
	roleLabel     = "shsh-forge.role"
	roleJudge     = "judge"
	languageLabel = "shsh-forge.language"

	memoryLimitBytes = 256 * 1024 * 1024 // 256MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 128

	maxLogBytes    = 1 << 20
	maxReportBytes = 1 << 20
	cleanupTimeout = 10 * time.Second
	defaultTimeout = 20 * time.Second
)

// dockerAPI is the subset of the Docker client the judge uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// DockerConfig configures the Docker judge.
type DockerConfig struct {
	Image   string
	Runtime string // "" = default (runc), "runsc" = gVisor
	Timeout time.Duration
}

// DockerExecutor judges solutions in one-shot containers with no network.
type DockerExecutor struct {
	cli dockerAPI
	cfg DockerConfig
}

// NewDockerExecutor connects to the Docker daemon from the environment.
func NewDockerExecutor(cfg DockerConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Sandbox docker client initialized", "image", cfg.Image, "runtime", runtime)
	return newDockerExecutor(cli, cfg), nil
}

func newDockerExecutor(cli dockerAPI, cfg DockerConfig) *DockerExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &DockerExecutor{cli: cli, cfg: cfg}
}

type testsFile struct {
	Language string   `json:"language"`
	Style    string   `json:"style"`
	Solution []string `json:"solution"`
	Tests    any      `json:"tests"`
}

// harnessReport is written by the harness to reportPath, outside the solution
// directory. Tag echoes the per-run value passed on the command line.
type harnessReport struct {
	Tag    string   `json:"tag"`
	Passed []string `json:"passed"`
	Failed []string `json:"failed"`
}

// Judge runs the request's files against its tests. The container is always
// removed, including after a timeout or a canceled context.
func (e *DockerExecutor) Judge(ctx context.Context, req JudgeRequest) (*Verdict, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	archive, err := buildArchive(req)
	if err != nil {
		return nil, err
	}
	tag := uuid.NewString()

	config := &container.Config{
		Image:      e.cfg.Image,
		User:       judgeUser,
		WorkingDir: workDir,
		Cmd: []string{
			"judge", "--language", string(req.Language), "--dir", workDir,
			"--report", reportPath, "--report-tag", tag,
		},
		NetworkDisabled: true,
		Labels: map[string]string{
			roleLabel:     roleJudge,
			languageLabel: string(req.Language),
		},
	}
	hostConfig := &container.HostConfig{
		Runtime:     e.cfg.Runtime,
		NetworkMode: container.NetworkMode("none"),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create judge container: %w", err)
	}
	defer e.remove(ctx, resp.ID)

	if err := e.cli.CopyToContainer(ctx, resp.ID, workDir, archive, container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("copy files to judge container %s: %w", resp.ID, err)
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start judge container %s: %w", resp.ID, err)
	}

	verdict := &Verdict{}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	statusCh, errCh := e.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		verdict.ExitCode = status.StatusCode
		if status.Error != nil && status.Error.Message != "" {
			verdict.Stderr = status.Error.Message
		}
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("wait for judge container %s: %w", resp.ID, err)
		}
		verdict.TimedOut = true
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		verdict.TimedOut = true
	}

	if verdict.TimedOut {
		slog.Warn("Judge timed out", "container_id", resp.ID, "timeout", timeout)
		killCtx, killCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		if err := e.cli.ContainerKill(killCtx, resp.ID, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) {
			slog.Debug("Failed to kill timed out judge", "container_id", resp.ID, "error", err)
		}
		killCancel()
	}

	stdout, stderr, err := e.logs(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	verdict.Stdout = stdout
	if verdict.Stderr == "" {
		verdict.Stderr = stderr
	}

	if report, ok := e.report(ctx, resp.ID, tag); ok {
		verdict.Passed = report.Passed
		verdict.Failed = report.Failed
	}
	verdict.Success = !verdict.TimedOut && verdict.ExitCode == 0 && verdict.Covers(req.Tests.CaseNames())
	return verdict, nil
}

func (e *DockerExecutor) logs(ctx context.Context, containerID string) (string, string, error) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	rc, err := e.cli.ContainerLogs(logCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("read judge logs %s: %w", containerID, err)
	}
	defer func() { _ = rc.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, io.LimitReader(rc, maxLogBytes)); err != nil {
		return "", "", fmt.Errorf("demux judge logs %s: %w", containerID, err)
	}
	return stdout.String(), stderr.String(), nil
}

func (e *DockerExecutor) remove(ctx context.Context, containerID string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return
		}
		slog.Warn("Failed to remove judge container", "container_id", containerID, "error", err)
	}
}

// report copies the harness report out of the stopped container. A missing,
// malformed or mistagged report counts as no report.
func (e *DockerExecutor) report(ctx context.Context, containerID, tag string) (harnessReport, bool) {
	copyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	rc, _, err := e.cli.CopyFromContainer(copyCtx, containerID, reportPath)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("Failed to copy judge report", "container_id", containerID, "error", err)
		}
		return harnessReport{}, false
	}
	defer func() { _ = rc.Close() }()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return harnessReport{}, false
	}
	data, err := io.ReadAll(io.LimitReader(tr, maxReportBytes))
	if err != nil {
		return harnessReport{}, false
	}
	return parseReport(data, tag)
}

func parseReport(data []byte, tag string) (harnessReport, bool) {
	var r harnessReport
	if err := json.Unmarshal(data, &r); err != nil {
		return harnessReport{}, false
	}
	if r.Tag != tag {
		slog.Warn("Judge report tag mismatch, ignoring report")
		return harnessReport{}, false
	}
	return r, true
}

func buildArchive(req JudgeRequest) (io.Reader, error) {
	names := make([]string, 0, len(req.Files))
	for name := range req.Files {
		clean := path.Clean("/" + name)[1:]
		if clean == "" || clean != name {
			return nil, fmt.Errorf("invalid solution file name %q", name)
		}
		if name == testsName {
			return nil, fmt.Errorf("solution file name %q is reserved", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	spec, err := json.Marshal(testsFile{
		Language: string(req.Language),
		Style:    string(req.Style),
		Solution: names,
		Tests:    req.Tests,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tests: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(name string, data []byte) error {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Uid: 1000, Gid: 1000, ModTime: time.Unix(0, 0)}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write tar entry %s: %w", name, err)
		}
		return nil
	}
	for _, name := range names {
		if err := write(name, []byte(req.Files[name])); err != nil {
			return nil, err
		}
	}
	if err := write(testsName, spec); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return &buf, nil
}

func ptr[T any](v T) *T {
	return &v
}
