package localbuild

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// StepRunSpec describes a single step container invocation.
type StepRunSpec struct {
	Image         string
	Entrypoint    string
	Args          []string
	Env           []string
	WorkDir       string   // working directory inside the container
	HostWorkspace string   // host path bound at /workspace
	Binds         []string // extra named volume binds, "name:/path"
	ContainerName string
}

// StepExecutor runs step containers. The engine is executor-agnostic;
// tests substitute a fake.
type StepExecutor interface {
	// EnsureImage makes the image available locally, pulling if needed.
	EnsureImage(ctx context.Context, image string, out io.Writer) error
	// ImageExists reports whether the image is present locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// RunStep runs the step to completion, streaming combined output
	// to out, and returns the container exit code.
	RunStep(ctx context.Context, spec StepRunSpec, out io.Writer) (int, error)
	// RemoveVolume deletes a named build volume.
	RemoveVolume(ctx context.Context, name string) error
	Close() error
}

// DockerExecutor runs steps as containers on the local Docker daemon.
type DockerExecutor struct {
	cli    *dockerclient.Client
	logger zerolog.Logger
}

// NewDockerExecutor creates an executor connected to the Docker
// daemon. host overrides DOCKER_HOST when non-empty.
func NewDockerExecutor(host string, logger zerolog.Logger) (*DockerExecutor, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{cli: cli, logger: logger}, nil
}

func (e *DockerExecutor) EnsureImage(ctx context.Context, image string, out io.Writer) error {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	e.logger.Info().Str("image", image).Msg("pulling image")
	fmt.Fprintf(out, "Pulling image: %s\n", image)
	rc, err := e.cli.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	defer rc.Close()
	// Pull progress is a JSON stream; drain it rather than spamming
	// the build log.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	return nil
}

func (e *DockerExecutor) ImageExists(ctx context.Context, image string) (bool, error) {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

func (e *DockerExecutor) RunStep(ctx context.Context, spec StepRunSpec, out io.Writer) (int, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        strslice.StrSlice(spec.Args),
		Env:        spec.Env,
		WorkingDir: spec.WorkDir,
	}
	if spec.Entrypoint != "" {
		cfg.Entrypoint = strslice.StrSlice{spec.Entrypoint}
	}
	hostCfg := &container.HostConfig{
		Binds: append([]string{spec.HostWorkspace + ":" + workspaceDir}, spec.Binds...),
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.ContainerName)
	if err != nil {
		return -1, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := e.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			e.logger.Warn().Err(err).Str("container", resp.ID).Msg("container remove failed")
		}
	}()

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("start container: %w", err)
	}

	logs, err := e.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("container logs: %w", err)
	}
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		// Docker multiplexes stdout/stderr on one stream; demux both
		// into the build log.
		_, _ = stdcopy.StdCopy(out, out, logs)
	}()

	waitCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		<-logDone
		logs.Close()
		if result.Error != nil {
			return -1, fmt.Errorf("container wait: %s", result.Error.Message)
		}
		return int(result.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			killCtx := context.WithoutCancel(ctx)
			_ = e.cli.ContainerKill(killCtx, resp.ID, "KILL")
		}
		// Unblock the copy goroutine and wait for it so nothing writes
		// to out after we return.
		logs.Close()
		<-logDone
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("container wait: %w", err)
	}
}

func (e *DockerExecutor) RemoveVolume(ctx context.Context, name string) error {
	return e.cli.VolumeRemove(ctx, name, true)
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}
