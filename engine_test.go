package localbuild

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeExecutor runs steps in memory, recording every spec it sees.
type fakeExecutor struct {
	mu        sync.Mutex
	specs     []StepRunSpec
	ensured   []string
	removed   []string
	exitCodes map[string]int  // by image, default 0
	missing   map[string]bool // images ImageExists denies
	runFn     func(ctx context.Context, spec StepRunSpec, out io.Writer) (int, error)
}

func (f *fakeExecutor) EnsureImage(ctx context.Context, image string, out io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, image)
	return nil
}

func (f *fakeExecutor) ImageExists(ctx context.Context, image string) (bool, error) {
	return !f.missing[image], nil
}

func (f *fakeExecutor) RunStep(ctx context.Context, spec StepRunSpec, out io.Writer) (int, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.runFn != nil {
		return f.runFn(ctx, spec, out)
	}
	fmt.Fprintf(out, "running %s\n", spec.Image)
	return f.exitCodes[spec.Image], nil
}

func (f *fakeExecutor) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeExecutor) Close() error { return nil }

func runBuild(t *testing.T, exec *fakeExecutor, cfg *BuildConfig, req *RunRequest) *Build {
	t.Helper()
	if req == nil {
		req = &RunRequest{}
	}
	req.Config = cfg
	if req.BuildID == "" {
		req.BuildID = "11112222-3333-4444-5555-666677778888"
	}
	if req.Workspace == "" {
		req.Workspace = t.TempDir()
	}
	log, err := NewBuildLog(t.TempDir(), req.BuildID, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	req.Log = log

	engine := NewEngine(exec, zerolog.Nop())
	build, err := engine.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return build
}

func TestEngineRunSuccess(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := &BuildConfig{Steps: []*BuildStep{
		{Name: "gcr.io/cloud-builders/git", Args: []string{"submodule", "update"}, ID: "fetch"},
		{Name: "build-image:0.2.0", Args: []string{"test"}, Dir: "src", ID: "test"},
	}}
	build := runBuild(t, exec, cfg, nil)

	if build.Status != StatusSuccess {
		t.Fatalf("status = %s", build.Status)
	}
	for _, step := range build.Steps {
		if step.Status != StatusSuccess {
			t.Errorf("step %d status = %s", step.Index, step.Status)
		}
	}
	if len(exec.specs) != 2 {
		t.Fatalf("got %d specs", len(exec.specs))
	}
	if exec.specs[0].WorkDir != "/workspace" {
		t.Errorf("step 0 workdir = %q", exec.specs[0].WorkDir)
	}
	if exec.specs[1].WorkDir != "/workspace/src" {
		t.Errorf("step 1 workdir = %q", exec.specs[1].WorkDir)
	}
	if !strings.HasPrefix(exec.specs[0].ContainerName, "localbuild-") {
		t.Errorf("container name = %q", exec.specs[0].ContainerName)
	}
	if len(exec.ensured) != 2 {
		t.Errorf("ensured = %v", exec.ensured)
	}
	if build.FinishTime.Before(build.StartTime) {
		t.Error("finish before start")
	}
}

func TestEngineStepFailureSkipsRest(t *testing.T) {
	exec := &fakeExecutor{exitCodes: map[string]int{"failing": 1}}
	cfg := &BuildConfig{Steps: []*BuildStep{
		{Name: "ok"},
		{Name: "failing", ID: "broken"},
		{Name: "never-runs"},
	}}
	build := runBuild(t, exec, cfg, nil)

	if build.Status != StatusFailure {
		t.Fatalf("status = %s", build.Status)
	}
	if build.FailedStep != "broken" {
		t.Errorf("failed step = %q", build.FailedStep)
	}
	if build.Steps[0].Status != StatusSuccess {
		t.Errorf("step 0 = %s", build.Steps[0].Status)
	}
	if build.Steps[1].Status != StatusFailure || build.Steps[1].ExitCode != 1 {
		t.Errorf("step 1 = %s exit %d", build.Steps[1].Status, build.Steps[1].ExitCode)
	}
	if build.Steps[2].Status != StatusSkipped {
		t.Errorf("step 2 = %s", build.Steps[2].Status)
	}
	if len(exec.specs) != 2 {
		t.Errorf("executed %d steps, want 2", len(exec.specs))
	}
}

func TestEngineAllowFailure(t *testing.T) {
	exec := &fakeExecutor{exitCodes: map[string]int{"flaky": 7}}
	cfg := &BuildConfig{Steps: []*BuildStep{
		{Name: "flaky", AllowFailure: true},
		{Name: "after"},
	}}
	build := runBuild(t, exec, cfg, nil)

	if build.Status != StatusSuccess {
		t.Fatalf("status = %s", build.Status)
	}
	if build.Steps[0].Status != StatusFailure {
		t.Errorf("step 0 = %s", build.Steps[0].Status)
	}
	if build.Steps[1].Status != StatusSuccess {
		t.Errorf("step 1 = %s", build.Steps[1].Status)
	}
}

func TestEngineAllowExitCodes(t *testing.T) {
	exec := &fakeExecutor{exitCodes: map[string]int{"lint": 3}}
	cfg := &BuildConfig{Steps: []*BuildStep{
		{Name: "lint", AllowExitCodes: []int{3}},
		{Name: "after"},
	}}
	build := runBuild(t, exec, cfg, nil)

	if build.Status != StatusSuccess {
		t.Fatalf("status = %s", build.Status)
	}
	if build.Steps[0].ExitCode != 3 {
		t.Errorf("exit code = %d", build.Steps[0].ExitCode)
	}
}

func TestEngineStepTimeout(t *testing.T) {
	exec := &fakeExecutor{
		runFn: func(ctx context.Context, spec StepRunSpec, out io.Writer) (int, error) {
			return -1, context.DeadlineExceeded
		},
	}
	cfg := &BuildConfig{Steps: []*BuildStep{
		{Name: "slow", Timeout: "1s", ID: "slow"},
		{Name: "after"},
	}}
	build := runBuild(t, exec, cfg, nil)

	if build.Steps[0].Status != StatusTimeout {
		t.Errorf("step 0 = %s", build.Steps[0].Status)
	}
	// A timed-out step fails the build unless failure is allowed
	if build.Status != StatusFailure {
		t.Errorf("build status = %s", build.Status)
	}
	if build.FailedStep != "slow" {
		t.Errorf("failed step = %q", build.FailedStep)
	}
	if build.Steps[1].Status != StatusSkipped {
		t.Errorf("step 1 = %s", build.Steps[1].Status)
	}
}

func TestEngineStepTimeoutAllowFailure(t *testing.T) {
	exec := &fakeExecutor{
		runFn: func(ctx context.Context, spec StepRunSpec, out io.Writer) (int, error) {
			return -1, context.DeadlineExceeded
		},
	}
	cfg := &BuildConfig{Steps: []*BuildStep{
		{Name: "slow", Timeout: "1s", AllowFailure: true},
	}}
	build := runBuild(t, exec, cfg, nil)

	if build.Steps[0].Status != StatusTimeout {
		t.Errorf("step 0 = %s", build.Steps[0].Status)
	}
	if build.Status != StatusSuccess {
		t.Errorf("build status = %s", build.Status)
	}
}

func TestEngineBuildTimeout(t *testing.T) {
	exec := &fakeExecutor{
		runFn: func(ctx context.Context, spec StepRunSpec, out io.Writer) (int, error) {
			<-ctx.Done()
			return -1, ctx.Err()
		},
	}
	cfg := &BuildConfig{
		Steps:   []*BuildStep{{Name: "forever", ID: "forever"}, {Name: "after"}},
		Timeout: "1s",
	}
	build := runBuild(t, exec, cfg, nil)

	if build.Status != StatusTimeout {
		t.Fatalf("status = %s", build.Status)
	}
	if build.FailedStep != "forever" {
		t.Errorf("failed step = %q", build.FailedStep)
	}
	if build.Steps[1].Status != StatusSkipped {
		t.Errorf("step 1 = %s", build.Steps[1].Status)
	}
}

func TestEngineCancelled(t *testing.T) {
	exec := &fakeExecutor{
		runFn: func(ctx context.Context, spec StepRunSpec, out io.Writer) (int, error) {
			<-ctx.Done()
			return -1, ctx.Err()
		},
	}
	cfg := &BuildConfig{Steps: []*BuildStep{{Name: "interrupted"}}}

	req := &RunRequest{BuildID: "b-cancel", Workspace: t.TempDir()}
	log, err := NewBuildLog(t.TempDir(), req.BuildID, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	req.Config = cfg
	req.Log = log

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := NewEngine(exec, zerolog.Nop())
	build, err := engine.Run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if build.Status != StatusCancelled {
		t.Fatalf("status = %s", build.Status)
	}
	if build.Steps[0].Status != StatusCancelled {
		t.Errorf("step 0 = %s", build.Steps[0].Status)
	}
}

func TestEngineEnvPrecedence(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := &BuildConfig{
		Steps:   []*BuildStep{{Name: "env-step", Env: []string{"C=step"}}},
		Options: &BuildOptions{Env: []string{"B=options"}},
	}
	runBuild(t, exec, cfg, &RunRequest{ExtraEnv: []string{"A=extra"}})

	got := exec.specs[0].Env
	want := []string{"BUILDER_OUTPUT=/builder/outputs", "A=extra", "B=options", "C=step"}
	if len(got) != len(want) {
		t.Fatalf("env = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEngineSecretEnv(t *testing.T) {
	t.Setenv("CI_TOKEN", "hunter2")
	exec := &fakeExecutor{}
	cfg := &BuildConfig{
		Steps: []*BuildStep{{Name: "deploy", SecretEnv: []string{"TOKEN", "PASSWORD"}}},
		AvailableSecrets: &AvailableSecrets{Inline: []*InlineSecret{
			{Env: "TOKEN", FromEnv: "CI_TOKEN"},
			{Env: "PASSWORD", Value: "inline-value"},
		}},
	}
	runBuild(t, exec, cfg, nil)

	env := exec.specs[0].Env
	if !containsEntry(env, "TOKEN=hunter2") {
		t.Errorf("env %v missing TOKEN", env)
	}
	if !containsEntry(env, "PASSWORD=inline-value") {
		t.Errorf("env %v missing PASSWORD", env)
	}
}

func TestEngineSecretEnvMissingVariable(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := &BuildConfig{
		Steps: []*BuildStep{{Name: "deploy", SecretEnv: []string{"TOKEN"}}},
		AvailableSecrets: &AvailableSecrets{Inline: []*InlineSecret{
			{Env: "TOKEN", FromEnv: "LOCALBUILD_TEST_UNSET_VARIABLE"},
		}},
	}

	log, err := NewBuildLog(t.TempDir(), "b-secret", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	engine := NewEngine(exec, zerolog.Nop())
	_, err = engine.Run(context.Background(), &RunRequest{
		Config:    cfg,
		BuildID:   "b-secret",
		Workspace: t.TempDir(),
		Log:       log,
	})
	if err == nil || !strings.Contains(err.Error(), "not set") {
		t.Errorf("got %v", err)
	}
	if len(exec.specs) != 0 {
		t.Errorf("steps ran despite missing secret: %v", exec.specs)
	}
	// A build that never ran must not skew the counters
	snap := engine.Metrics().Snapshot()
	if snap.BuildsStarted != 0 {
		t.Errorf("builds started = %d, want 0", snap.BuildsStarted)
	}
}

func TestEngineVolumes(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := &BuildConfig{
		Steps: []*BuildStep{{
			Name:    "cached",
			Volumes: []*Volume{{Name: "cargo", Path: "/cargo"}},
		}},
	}
	runBuild(t, exec, cfg, nil)

	binds := exec.specs[0].Binds
	if len(binds) != 1 || !strings.HasSuffix(binds[0], ":/cargo") {
		t.Errorf("binds = %v", binds)
	}
	if !strings.HasPrefix(binds[0], "localbuild-") {
		t.Errorf("volume bind %q not build-scoped", binds[0])
	}
	if len(exec.removed) != 1 {
		t.Errorf("removed volumes = %v", exec.removed)
	}
}

func TestEngineImagesVerification(t *testing.T) {
	exec := &fakeExecutor{missing: map[string]bool{"gcr.io/demo/app:v1": true}}
	cfg := &BuildConfig{
		Steps:  []*BuildStep{{Name: "build"}},
		Images: []string{"gcr.io/demo/app:v1"},
	}
	build := runBuild(t, exec, cfg, nil)

	if build.Status != StatusFailure {
		t.Fatalf("status = %s", build.Status)
	}
}

func TestEngineImagesPresent(t *testing.T) {
	exec := &fakeExecutor{}
	cfg := &BuildConfig{
		Steps:  []*BuildStep{{Name: "build"}},
		Images: []string{"gcr.io/demo/app:v1"},
	}
	build := runBuild(t, exec, cfg, nil)

	if build.Status != StatusSuccess {
		t.Fatalf("status = %s", build.Status)
	}
}

func TestEngineMetrics(t *testing.T) {
	exec := &fakeExecutor{exitCodes: map[string]int{"bad": 1}}
	cfg := &BuildConfig{Steps: []*BuildStep{{Name: "ok"}, {Name: "bad"}, {Name: "skipped"}}}

	log, err := NewBuildLog(t.TempDir(), "b-metrics", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	engine := NewEngine(exec, zerolog.Nop())
	if _, err := engine.Run(context.Background(), &RunRequest{
		Config:    cfg,
		BuildID:   "b-metrics",
		Workspace: t.TempDir(),
		Log:       log,
	}); err != nil {
		t.Fatal(err)
	}

	snap := engine.Metrics().Snapshot()
	if snap.BuildsStarted != 1 {
		t.Errorf("builds started = %d", snap.BuildsStarted)
	}
	if snap.BuildsByStatus[StatusFailure] != 1 {
		t.Errorf("builds by status = %v", snap.BuildsByStatus)
	}
	if snap.StepsStarted != 2 {
		t.Errorf("steps started = %d", snap.StepsStarted)
	}
	if snap.StepsByStatus[StatusSuccess] != 1 || snap.StepsByStatus[StatusFailure] != 1 {
		t.Errorf("steps by status = %v", snap.StepsByStatus)
	}
}

func containsEntry(env []string, entry string) bool {
	for _, e := range env {
		if e == entry {
			return true
		}
	}
	return false
}
