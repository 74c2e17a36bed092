// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mbeema/hookdemo/pkg/config"
	"github.com/mbeema/hookdemo/pkg/demo"
	"github.com/mbeema/hookdemo/pkg/discovery"
	"github.com/mbeema/hookdemo/pkg/export"
	"github.com/mbeema/hookdemo/pkg/hook"
	"github.com/mbeema/hookdemo/pkg/symbols"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath   string
	logLevel     string
	scenario     string
	scenarioFile string
	program      string
	timeout      time.Duration
	exports      bool
	showVersion  bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is main without os.Exit, so deferred cleanup always happens.
func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("hookdemo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.scenario, "scenario", "", "scenario to run (posix, windows, libc-sleep or one from -scenario-file)")
	fs.StringVar(&opts.scenarioFile, "scenario-file", "", "YAML file with additional scenarios")
	fs.StringVar(&opts.program, "program", "", "host program to instrument")
	fs.DurationVar(&opts.timeout, "timeout", 0, "upper bound for a single call into the host")
	fs.BoolVar(&opts.exports, "exports", false, "with resolve, also list the exports of each target's module")
	fs.BoolVar(&opts.showVersion, "version", false, "show version and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: hookdemo [flags] [run|list|resolve|version]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cmd := "run"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return 2
	}
	if opts.showVersion || cmd == "version" {
		fmt.Fprintf(stdout, "hookdemo %s (commit: %s, built: %s, machine: %s)\n", version, commit, buildDate, machineID(runtime.GOOS, runtime.GOARCH))
		return 0
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := applyFlags(cfg, &opts); err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	scenarios, err := scenarioSet(cfg.ScenarioFile)
	if err != nil {
		logger.Error("failed to load scenarios", zap.Error(err))
		return 1
	}

	if cmd == "list" {
		listScenarios(stdout, scenarios)
		return 0
	}

	sc, err := demo.FindScenario(scenarios, cfg.Scenario)
	if err != nil {
		logger.Error("scenario not found", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = runScenario(ctx, cfg, sc, stdout, logger)
	case "resolve":
		err = resolveScenario(ctx, cfg, sc, opts.exports, stdout, logger)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if err != nil {
		logger.Error("hookdemo failed", zap.String("command", cmd), zap.Error(err))
		return 1
	}
	return 0
}

func runScenario(ctx context.Context, cfg *config.Config, sc *demo.Scenario, stdout io.Writer, logger *zap.Logger) error {
	logger.Info("starting hookdemo",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("scenario", sc.Name),
	)

	eng, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	resource := map[string]string{}
	if info, err := discovery.Describe(int32(eng.PID()), logger); err != nil {
		logger.Warn("failed to describe host process", zap.Error(err))
	} else {
		resource = hostResource(info, logger)
	}

	mgr, err := export.NewManager(&export.ManagerConfig{
		Exporters:   &cfg.Exporters,
		ServiceName: cfg.ServiceName,
		Resource:    resource,
	}, logger)
	if err != nil {
		return fmt.Errorf("create export manager: %w", err)
	}

	var sink demo.Sink
	if mgr.Enabled() {
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start export manager: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mgr.Flush(flushCtx); err != nil {
				logger.Warn("flush invocations", zap.Error(err))
			}
			if err := mgr.Stop(); err != nil {
				logger.Warn("stop export manager", zap.Error(err))
			}
			exported, dropped := mgr.Stats()
			logger.Info("invocations exported",
				zap.Int64("exported", exported),
				zap.Int64("dropped", dropped),
			)
		}()
		sink = mgr
	}

	res, err := demo.Run(ctx, eng, sc, stdout, sink, logger)
	if err != nil {
		return err
	}
	logger.Info("scenario finished",
		zap.String("scenario", res.Scenario),
		zap.Int64("attached_calls", res.Attached),
		zap.Int64("detached_calls", res.Detached),
	)
	return nil
}

func resolveScenario(ctx context.Context, cfg *config.Config, sc *demo.Scenario, listExports bool, stdout io.Writer, logger *zap.Logger) error {
	eng, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	targets, funcs, err := demo.Resolve(eng.Resolver(), sc)
	if err != nil {
		return err
	}
	for _, t := range targets {
		fmt.Fprintf(stdout, "%-12s %-14s %s  %s\n", t.Hook, t.Symbol, t.Address, t.ModuleName)
	}

	hooked := make(map[hook.Address]bool, len(targets))
	for _, t := range targets {
		hooked[t.Address] = true
	}
	keys := make([]string, 0, len(funcs))
	for key, addr := range funcs {
		if !hooked[addr] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		// Keys are "module!name"; global lookups have no module.
		fmt.Fprintf(stdout, "%-12s %-14s %s\n", "-", strings.TrimPrefix(key, "!"), funcs[key])
	}

	if listExports {
		return printExports(stdout, eng.Resolver(), targets)
	}
	return nil
}

// printExports lists every export of the modules the targets live in.
func printExports(w io.Writer, r *symbols.Resolver, targets []*demo.Resolved) error {
	seen := make(map[string]bool)
	for _, t := range targets {
		if seen[t.ModuleName] {
			continue
		}
		seen[t.ModuleName] = true

		m, err := r.FindModuleByName(t.ModuleName)
		if err != nil {
			return err
		}
		exports := m.Exports()
		fmt.Fprintf(w, "\n%s (%s, %d exports)\n", m.Name, m.Path, len(exports))
		for _, name := range exports {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	return nil
}

// hostResource logs the host description and returns it as export
// resource attributes.
func hostResource(info *discovery.HostInfo, logger *zap.Logger) map[string]string {
	logger.Info("host process", info.Fields()...)
	if info.IsInterpreter() {
		logger.Warn("host is a script interpreter; its preloaded libraries may shadow the exports being hooked",
			zap.String("host", info.DisplayName()),
		)
	}
	return info.Attributes()
}

// machineID names the machine as "<os>-<arch>" with conventional
// architecture names, e.g. "linux-x86_64".
func machineID(goos, goarch string) string {
	arch := goarch
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "386":
		arch = "x86"
	case "arm":
		arch = "armhf"
	}
	if goos == "darwin" {
		goos = "macos"
	}
	return goos + "-" + arch
}

func openEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*hook.Engine, error) {
	return hook.Open(ctx, hook.Options{
		Program:     cfg.Engine.Program,
		Args:        cfg.Engine.Args,
		CallTimeout: cfg.Engine.Timeout,
	}, logger)
}

func listScenarios(w io.Writer, scenarios []demo.Scenario) {
	for _, sc := range scenarios {
		fmt.Fprintf(w, "%s\t%s\n", sc.Name, sc.Description)
		for _, t := range sc.Targets {
			where := "global"
			if t.Module != "" {
				where = t.Module
			}
			fmt.Fprintf(w, "  hook %s -> %s (%s)\n", t.Hook, t.Symbol, where)
		}
		for _, c := range sc.Round {
			fmt.Fprintf(w, "  call %s\n", c)
		}
	}
}

func scenarioSet(path string) ([]demo.Scenario, error) {
	builtin := demo.BuiltinScenarios()
	if path == "" {
		return builtin, nil
	}
	loaded, err := demo.LoadScenarios(path)
	if err != nil {
		return nil, err
	}
	return demo.MergeScenarios(builtin, loaded), nil
}

// applyFlags overrides configuration with command-line values and
// revalidates the result.
func applyFlags(cfg *config.Config, opts *options) error {
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.scenario != "" {
		cfg.Scenario = opts.scenario
	}
	if opts.scenarioFile != "" {
		cfg.ScenarioFile = opts.scenarioFile
	}
	if opts.program != "" {
		cfg.Engine.Program = opts.program
	}
	if opts.timeout != 0 {
		cfg.Engine.Timeout = opts.timeout
	}
	return cfg.Validate()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	for _, p := range []string{
		"configs/hookdemo.yaml",
		"/etc/hookdemo/hookdemo.yaml",
	} {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil || level == "" {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
