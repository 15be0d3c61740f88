package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sockerless/localbuild"
)

var (
	version = "dev"
	commit  = "none"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: localbuild <command> [flags]

commands:
  run       execute a build config on the local Docker daemon
  validate  parse and validate a build config
  render    print a build config with substitutions applied
  history   list recent builds
  version   print version information

run "localbuild <command> -h" for command flags
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "render":
		cmdRender(os.Args[2:])
	case "history":
		cmdHistory(os.Args[2:])
	case "version":
		fmt.Printf("localbuild %s (%s)\n", version, commit)
	default:
		usage()
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("service", "localbuild").Logger().
		Level(lvl)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "cloudbuild.yaml", "build config file")
	source := fs.String("source", ".", "source directory to mount at /workspace")
	repo := fs.String("repo", "", "git URL to clone as the build source (overrides -source)")
	ref := fs.String("ref", "", "branch, tag or refname to clone")
	subsFlag := fs.String("substitutions", "", "substitution overrides, _KEY=value[,_KEY=value...]")
	envFile := fs.String("env-file", "", "dotenv file injected into every step")
	dryRun := fs.Bool("dry-run", false, "validate and render, but run nothing")
	project := fs.String("project", "", "project id for the PROJECT_ID substitution")
	runnerCfgPath := fs.String("runner-config", localbuild.DefaultRunnerConfigPath(), "runner config file")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)

	logger := newLogger(*logLevel)

	shutdown, err := localbuild.InitTracer("localbuild", version)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdown(context.Background())

	runnerCfg, err := localbuild.LoadRunnerConfig(*runnerCfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load runner config")
	}
	if *project != "" {
		runnerCfg.ProjectID = *project
	}

	cfg, err := localbuild.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load build config")
	}
	if cfg.Timeout == "" && runnerCfg.DefaultTimeout != "" {
		cfg.Timeout = runnerCfg.DefaultTimeout
	}
	if err := localbuild.ValidateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid build config")
	}

	overrides, err := parseSubstitutionsFlag(*subsFlag)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid -substitutions")
	}
	for k, v := range runnerCfg.Substitutions {
		if _, ok := overrides[k]; !ok {
			overrides[k] = v
		}
	}

	var extraEnv []string
	if *envFile != "" {
		if extraEnv, err = localbuild.LoadEnvFile(*envFile); err != nil {
			logger.Fatal().Err(err).Msg("load env file")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buildID := uuid.NewString()

	// Prepare the workspace and derive source substitutions
	var workspace string
	var src *localbuild.SourceInfo
	if *repo != "" {
		workspace, err = os.MkdirTemp("", "localbuild-src-")
		if err != nil {
			logger.Fatal().Err(err).Msg("create workspace")
		}
		defer os.RemoveAll(workspace)
		logger.Info().Str("repo", *repo).Str("ref", *ref).Msg("cloning source")
		if src, err = localbuild.CloneSource(ctx, *repo, *ref, workspace, os.Stderr); err != nil {
			logger.Fatal().Err(err).Msg("clone source")
		}
	} else {
		if workspace, src, err = localbuild.PrepareLocalSource(ctx, *source, true, logger); err != nil {
			logger.Fatal().Err(err).Msg("prepare source")
		}
	}

	vars, err := localbuild.BuildSubstitutions(cfg, runnerCfg.ProjectID, buildID, src, overrides)
	if err != nil {
		logger.Fatal().Err(err).Msg("assemble substitutions")
	}
	rendered, err := localbuild.RenderConfig(cfg, vars)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve substitutions")
	}
	if err := localbuild.ValidateConfig(rendered); err != nil {
		logger.Fatal().Err(err).Msg("invalid build config after substitution")
	}

	if *dryRun {
		fmt.Printf("build config OK: %d step(s)\n", len(rendered.Steps))
		for i, step := range rendered.Steps {
			fmt.Printf("  #%d %s %s\n", i, step.Name, strings.Join(step.Args, " "))
		}
		return
	}

	executor, err := localbuild.NewDockerExecutor(runnerCfg.Docker.Host, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to docker")
	}
	defer executor.Close()

	buildLog, err := localbuild.NewBuildLog(runnerCfg.Logs.Dir, buildID, os.Stdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("create build log")
	}

	engine := localbuild.NewEngine(executor, logger)
	build, err := engine.Run(ctx, &localbuild.RunRequest{
		Config:     rendered,
		BuildID:    buildID,
		ConfigPath: *configPath,
		Workspace:  workspace,
		ExtraEnv:   extraEnv,
		Log:        buildLog,
	})
	if err != nil {
		buildLog.Close()
		logger.Fatal().Err(err).Msg("build execution failed")
	}
	build.LogPath = buildLog.Path()
	if err := buildLog.Close(); err != nil {
		logger.Warn().Err(err).Msg("close build log")
	}

	// Ship the log to its destination after the build, success or not
	logsBucket := rendered.LogsBucket
	if logsBucket == "" {
		logsBucket = runnerCfg.Logs.Bucket
	}
	exportCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := buildLog.Export(exportCtx, logsBucket); err != nil {
		logger.Warn().Err(err).Str("dest", logsBucket).Msg("log export failed")
	}

	if !runnerCfg.History.Disabled {
		if err := recordHistory(exportCtx, runnerCfg.History.Path, build); err != nil {
			logger.Warn().Err(err).Msg("record build history")
		}
	}

	fmt.Printf("build %s: %s (log: %s)\n", build.ID, build.Status, build.LogPath)
	if build.Status != localbuild.StatusSuccess {
		os.Exit(1)
	}
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "cloudbuild.yaml", "build config file")
	fs.Parse(args)

	cfg, err := localbuild.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "localbuild: %v\n", err)
		os.Exit(1)
	}
	if err := localbuild.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "localbuild: %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	fmt.Printf("%s: OK (%d steps)\n", *configPath, len(cfg.Steps))
}

func cmdRender(args []string) {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	configPath := fs.String("config", "cloudbuild.yaml", "build config file")
	source := fs.String("source", ".", "source directory for source-derived substitutions")
	subsFlag := fs.String("substitutions", "", "substitution overrides, _KEY=value[,_KEY=value...]")
	project := fs.String("project", "", "project id for the PROJECT_ID substitution")
	runnerCfgPath := fs.String("runner-config", localbuild.DefaultRunnerConfigPath(), "runner config file")
	fs.Parse(args)

	logger := newLogger("warn")

	runnerCfg, err := localbuild.LoadRunnerConfig(*runnerCfgPath)
	if err != nil {
		fatalf("%v", err)
	}
	if *project != "" {
		runnerCfg.ProjectID = *project
	}

	cfg, err := localbuild.LoadConfig(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if err := localbuild.ValidateConfig(cfg); err != nil {
		fatalf("%s: %v", *configPath, err)
	}

	overrides, err := parseSubstitutionsFlag(*subsFlag)
	if err != nil {
		fatalf("invalid -substitutions: %v", err)
	}

	_, src, err := localbuild.PrepareLocalSource(context.Background(), *source, false, logger)
	if err != nil {
		fatalf("%v", err)
	}

	vars, err := localbuild.BuildSubstitutions(cfg, runnerCfg.ProjectID, "00000000-0000-0000-0000-000000000000", src, overrides)
	if err != nil {
		fatalf("%v", err)
	}
	rendered, err := localbuild.RenderConfig(cfg, vars)
	if err != nil {
		fatalf("%v", err)
	}

	out, err := yaml.Marshal(rendered)
	if err != nil {
		fatalf("%v", err)
	}
	os.Stdout.Write(out)
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of builds to show")
	runnerCfgPath := fs.String("runner-config", localbuild.DefaultRunnerConfigPath(), "runner config file")
	fs.Parse(args)

	runnerCfg, err := localbuild.LoadRunnerConfig(*runnerCfgPath)
	if err != nil {
		fatalf("%v", err)
	}
	store, err := localbuild.OpenHistory(runnerCfg.History.Path)
	if err != nil {
		fatalf("%v", err)
	}
	defer store.Close()

	records, err := store.ListBuilds(context.Background(), *limit)
	if err != nil {
		fatalf("%v", err)
	}
	if len(records) == 0 {
		fmt.Println("no builds recorded")
		return
	}
	for _, rec := range records {
		failed := ""
		if rec.FailedStep != "" {
			failed = " failed_step=" + rec.FailedStep
		}
		fmt.Printf("%s  %-9s  %s  %2d step(s)  %6.1fs%s  %s\n",
			rec.CreatedAt.Format(time.DateTime),
			rec.Status,
			rec.ID,
			rec.StepCount,
			float64(rec.DurationMS)/1000,
			failed,
			rec.ConfigPath,
		)
	}
}

func recordHistory(ctx context.Context, path string, build *localbuild.Build) error {
	store, err := localbuild.OpenHistory(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordBuild(ctx, build)
}

// parseSubstitutionsFlag parses "_KEY=v,_KEY2=v2" into a map.
func parseSubstitutionsFlag(s string) (map[string]string, error) {
	overrides := make(map[string]string)
	if s == "" {
		return overrides, nil
	}
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("entry %q is not _KEY=value", pair)
		}
		overrides[key] = value
	}
	return overrides, nil
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "localbuild: "+format+"\n", args...)
	os.Exit(1)
}
