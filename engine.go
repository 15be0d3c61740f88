package localbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// workspaceDir is where the build source is mounted inside every step
// container.
const workspaceDir = "/workspace"

// builderOutputDir is advertised to steps through BUILDER_OUTPUT, the
// conventional location for step output files.
const builderOutputDir = "/builder/outputs"

// Status is a build or step lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusWorking   Status = "WORKING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// terminal reports whether a status is final.
func (s Status) terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Build is one execution of a build configuration.
type Build struct {
	ID         string        `json:"id"`
	Status     Status        `json:"status"`
	ConfigPath string        `json:"config_path,omitempty"`
	Steps      []*StepResult `json:"steps"`
	CreateTime time.Time     `json:"create_time"`
	StartTime  time.Time     `json:"start_time"`
	FinishTime time.Time     `json:"finish_time"`
	LogPath    string        `json:"log_path,omitempty"`
	FailedStep string        `json:"failed_step,omitempty"`
}

// StepResult records the outcome of a single step.
type StepResult struct {
	Index    int       `json:"index"`
	ID       string    `json:"id,omitempty"`
	Image    string    `json:"image"`
	Status   Status    `json:"status"`
	ExitCode int       `json:"exit_code"`
	Start    time.Time `json:"start"`
	Finish   time.Time `json:"finish"`
}

// label returns the step's display name for logs: its ID when set,
// otherwise its index.
func (r *StepResult) label() string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%d", r.Index)
}

// Engine executes builds against a StepExecutor.
type Engine struct {
	exec    StepExecutor
	logger  zerolog.Logger
	metrics *Metrics
}

// NewEngine creates a build engine.
func NewEngine(exec StepExecutor, logger zerolog.Logger) *Engine {
	return &Engine{
		exec:    exec,
		logger:  logger,
		metrics: NewMetrics(),
	}
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// RunRequest carries everything a single build execution needs. The
// config must already be validated and rendered.
type RunRequest struct {
	Config     *BuildConfig
	BuildID    string
	ConfigPath string
	Workspace  string   // host path mounted at /workspace
	ExtraEnv   []string // injected into every step, lowest precedence
	Log        *BuildLog
}

// Run executes the configured steps sequentially and returns the
// finished Build. A failing build is not an error; the error return is
// reserved for infrastructure problems that prevented execution.
func (e *Engine) Run(ctx context.Context, req *RunRequest) (*Build, error) {
	cfg := req.Config
	ctx, span := otel.Tracer("localbuild").Start(ctx, "build",
		trace.WithAttributes(
			attribute.String("build.id", req.BuildID),
			attribute.Int("build.steps", len(cfg.Steps))))
	defer span.End()

	build := &Build{
		ID:         req.BuildID,
		Status:     StatusWorking,
		ConfigPath: req.ConfigPath,
		CreateTime: time.Now(),
		StartTime:  time.Now(),
	}
	for i, step := range cfg.Steps {
		build.Steps = append(build.Steps, &StepResult{
			Index:  i,
			ID:     step.ID,
			Image:  step.Name,
			Status: StatusQueued,
		})
	}
	secretEnv, err := resolveSecretEnv(cfg.AvailableSecrets)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordBuildStart()

	timeout := buildTimeout(cfg)
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Info().
		Str("build_id", build.ID).
		Int("num_steps", len(cfg.Steps)).
		Str("timeout", formatDuration(timeout)).
		Msg("build started")

	volumeBinds, cleanup := e.prepareVolumes(cfg, req.BuildID)
	defer cleanup()

	for i, step := range cfg.Steps {
		result := build.Steps[i]
		if build.Status.terminal() {
			result.Status = StatusSkipped
			continue
		}
		e.runStep(buildCtx, req, step, result, secretEnv, volumeBinds, build)
	}

	if build.Status == StatusWorking {
		e.verifyImages(buildCtx, cfg, build, req.Log)
	}
	if build.Status == StatusWorking {
		build.Status = StatusSuccess
	}
	build.FinishTime = time.Now()
	e.metrics.RecordBuildComplete(build.Status)

	span.SetAttributes(attribute.String("build.status", string(build.Status)))
	e.logger.Info().
		Str("build_id", build.ID).
		Str("status", string(build.Status)).
		Int64("duration_ms", build.FinishTime.Sub(build.StartTime).Milliseconds()).
		Msg("build finished")

	return build, nil
}

func (e *Engine) runStep(ctx context.Context, req *RunRequest, step *BuildStep, result *StepResult, secretEnv map[string]string, volumeBinds map[string]string, build *Build) {
	ctx, span := otel.Tracer("localbuild").Start(ctx, "step",
		trace.WithAttributes(
			attribute.Int("step.index", result.Index),
			attribute.String("step.image", step.Name)))
	defer span.End()

	out := req.Log.StepWriter(result.Index, step.ID)
	defer out.Flush()
	result.Status = StatusWorking
	result.Start = time.Now()
	e.metrics.RecordStepStart()

	fmt.Fprintf(out, "Starting Step #%s\n", result.label())
	e.logger.Info().
		Str("build_id", build.ID).
		Int("step", result.Index).
		Str("image", step.Name).
		Msg("step started")

	stepCtx := ctx
	var cancel context.CancelFunc
	if d := stepTimeout(step); d > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	exitCode, err := e.executeStep(stepCtx, req, step, result, secretEnv, volumeBinds, out)
	result.Finish = time.Now()
	result.ExitCode = exitCode

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// The step's own deadline fired while the build deadline had
		// slack left.
		result.Status = StatusTimeout
		fmt.Fprintf(out, "Step #%s timed out after %s\n", result.label(), step.Timeout)
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		result.Status = StatusTimeout
		build.Status = StatusTimeout
		build.FailedStep = result.label()
		fmt.Fprintf(out, "Build timed out during Step #%s\n", result.label())
	case err != nil && errors.Is(err, context.Canceled):
		result.Status = StatusCancelled
		build.Status = StatusCancelled
		build.FailedStep = result.label()
		fmt.Fprintf(out, "Step #%s cancelled\n", result.label())
	case err != nil:
		result.Status = StatusFailure
		build.Status = StatusFailure
		build.FailedStep = result.label()
		fmt.Fprintf(out, "Step #%s error: %v\n", result.label(), err)
		e.logger.Error().Err(err).Int("step", result.Index).Msg("step execution error")
	case exitCode == 0:
		result.Status = StatusSuccess
		fmt.Fprintf(out, "Finished Step #%s\n", result.label())
	default:
		result.Status = StatusFailure
		if allowedExit(step, exitCode) {
			fmt.Fprintf(out, "Step #%s failed with exit code %d (allowed), continuing\n", result.label(), exitCode)
		} else {
			build.Status = StatusFailure
			build.FailedStep = result.label()
			fmt.Fprintf(out, "Step #%s failed: exit code %d\n", result.label(), exitCode)
		}
	}

	// A step timeout on its own fails the build unless failure is
	// allowed for the step.
	if result.Status == StatusTimeout && build.Status == StatusWorking && !step.AllowFailure {
		build.Status = StatusFailure
		build.FailedStep = result.label()
	}

	e.metrics.RecordStepComplete(result.Status)
	span.SetAttributes(attribute.String("step.status", string(result.Status)))
	e.logger.Info().
		Str("build_id", build.ID).
		Int("step", result.Index).
		Str("status", string(result.Status)).
		Int("exit_code", exitCode).
		Int64("duration_ms", result.Finish.Sub(result.Start).Milliseconds()).
		Msg("step finished")
}

func (e *Engine) executeStep(ctx context.Context, req *RunRequest, step *BuildStep, result *StepResult, secretEnv map[string]string, volumeBinds map[string]string, out io.Writer) (int, error) {
	if err := e.exec.EnsureImage(ctx, step.Name, out); err != nil {
		return -1, err
	}
	e.metrics.RecordImageEnsure()

	env := make([]string, 0, len(req.ExtraEnv)+len(step.Env)+len(step.SecretEnv)+4)
	env = append(env, "BUILDER_OUTPUT="+builderOutputDir)
	env = append(env, req.ExtraEnv...)
	if req.Config.Options != nil {
		env = append(env, req.Config.Options.Env...)
	}
	env = append(env, step.Env...)
	for _, name := range step.SecretEnv {
		env = append(env, name+"="+secretEnv[name])
	}

	var binds []string
	if req.Config.Options != nil {
		for _, v := range req.Config.Options.Volumes {
			binds = append(binds, volumeBinds[v.Name]+":"+v.Path)
		}
	}
	for _, v := range step.Volumes {
		binds = append(binds, volumeBinds[v.Name]+":"+v.Path)
	}

	spec := StepRunSpec{
		Image:         step.Name,
		Entrypoint:    step.Entrypoint,
		Args:          step.Args,
		Env:           env,
		WorkDir:       path.Join(workspaceDir, step.Dir),
		HostWorkspace: req.Workspace,
		Binds:         binds,
		ContainerName: fmt.Sprintf("localbuild-%s-step-%d", shortSHA(req.BuildID), result.Index),
	}
	return e.exec.RunStep(ctx, spec, out)
}

// prepareVolumes maps declared volume names to build-scoped docker
// volume names and returns a cleanup function removing them.
func (e *Engine) prepareVolumes(cfg *BuildConfig, buildID string) (map[string]string, func()) {
	binds := make(map[string]string)
	collect := func(volumes []*Volume) {
		for _, v := range volumes {
			if _, ok := binds[v.Name]; !ok {
				binds[v.Name] = fmt.Sprintf("localbuild-%s-%s", shortSHA(buildID), v.Name)
			}
		}
	}
	if cfg.Options != nil {
		collect(cfg.Options.Volumes)
	}
	for _, step := range cfg.Steps {
		collect(step.Volumes)
	}

	cleanup := func() {
		for _, name := range binds {
			if err := e.exec.RemoveVolume(context.Background(), name); err != nil {
				e.logger.Warn().Err(err).Str("volume", name).Msg("volume cleanup failed")
			}
		}
	}
	return binds, cleanup
}

// verifyImages checks that every image the config promises to produce
// exists locally after the steps ran.
func (e *Engine) verifyImages(ctx context.Context, cfg *BuildConfig, build *Build, log *BuildLog) {
	for _, img := range cfg.Images {
		exists, err := e.exec.ImageExists(ctx, img)
		if err != nil {
			e.logger.Warn().Err(err).Str("image", img).Msg("image verification failed")
			continue
		}
		if !exists {
			build.Status = StatusFailure
			fmt.Fprintf(log, "Image %q was not produced by the build\n", img)
			e.logger.Error().Str("image", img).Msg("declared image missing after build")
			return
		}
	}
}

func allowedExit(step *BuildStep, code int) bool {
	if step.AllowFailure {
		return true
	}
	for _, allowed := range step.AllowExitCodes {
		if code == allowed {
			return true
		}
	}
	return false
}

// resolveSecretEnv materializes declared inline secrets, reading
// fromEnv values out of the runner's environment.
func resolveSecretEnv(secrets *AvailableSecrets) (map[string]string, error) {
	resolved := make(map[string]string)
	if secrets == nil {
		return resolved, nil
	}
	for _, sec := range secrets.Inline {
		if sec.FromEnv != "" {
			val, ok := os.LookupEnv(sec.FromEnv)
			if !ok {
				return nil, fmt.Errorf("secret env %q: environment variable %s is not set", sec.Env, sec.FromEnv)
			}
			resolved[sec.Env] = val
			continue
		}
		resolved[sec.Env] = sec.Value
	}
	return resolved, nil
}
