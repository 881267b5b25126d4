package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ormasoftchile/cascade/pkg/config"
	"github.com/ormasoftchile/cascade/pkg/engine"
	"github.com/ormasoftchile/cascade/pkg/logging"
	"github.com/ormasoftchile/cascade/pkg/provision"
	"github.com/ormasoftchile/cascade/pkg/schema"
	"github.com/ormasoftchile/cascade/pkg/trace"
)

var (
	runConfig    string
	runLogDir    string
	runVars      []string
	runSetVars   []string
	runEnable    []string
	runDisable   []string
	runWorkers   int
	runTimeout   time.Duration
	runTrace     string
	runLogLevel  string
	runLogFormat string
)

var runCmd = &cobra.Command{
	Use:   "run [tree.yaml]",
	Short: "Execute an execution tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfig)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	cliVars, err := parseVars(runVars)
	if err != nil {
		return err
	}
	overrides, err := parseSetVars(runSetVars)
	if err != nil {
		return err
	}

	root, errs := schema.ValidateFile(args[0])
	if err := reportValidation(cmd, errs); err != nil {
		return err
	}
	for _, o := range overrides {
		schema.SetVar(root, o.node, o.name, o.value)
	}
	for _, n := range runEnable {
		schema.SetEnabled(root, n, true)
	}
	for _, n := range runDisable {
		schema.SetEnabled(root, n, false)
	}
	// Overrides can enable nodes or change vars the file was validated without.
	if errs := schema.ValidateDomain(root); schema.HasErrors(errs) {
		return reportValidation(cmd, errs)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	var tw *trace.Writer
	if cfg.Trace != "" {
		tw, err = trace.NewFileWriter(cfg.Trace, trace.NewRunID())
		if err != nil {
			return err
		}
		defer tw.Close()
		log.Debug("writing trace", zap.String("path", cfg.Trace), zap.String("run_id", tw.RunID()))
	}
	if cfg.File != "" {
		log.Debug("loaded config", zap.String("path", cfg.File))
	}

	eng := engine.New(engine.Options{
		Logger:         log,
		Workers:        cfg.Workers,
		CommandTimeout: cfg.CommandTimeout,
		Vars:           cliVars,
		Provisioner:    provision.New(cfg.TempDir, provision.NewHTTPFetcher(cfg.FetchTimeout)),
		Trace:          tw,
		Stderr:         os.Stderr,
	})
	if err := eng.Start(cmd.Context(), root, runLogDir); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigCh:
			log.Warn("signal received, cancelling run")
			eng.Cancel()
		case <-finished:
		}
	}()

	result := eng.Wait()
	w := cmd.ErrOrStderr()
	s := result.Stats
	fmt.Fprintf(w, "%s in %s: %d started, %d completed, %d skipped, %d failed, %d matches\n",
		result.Status, result.Duration.Round(time.Millisecond), s.Started, s.Completed, s.Skipped, s.Failed, s.Matches)
	if result.Error != nil {
		nodeErrs := multierr.Errors(result.Error)
		for i, e := range nodeErrs {
			fmt.Fprintf(w, "  %d. %v\n", i+1, e)
		}
		return fmt.Errorf("run failed: %d node error(s)", len(nodeErrs))
	}
	return nil
}

// applyRunFlags lets explicitly set flags override the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = runWorkers
	}
	if flags.Changed("timeout") {
		cfg.CommandTimeout = runTimeout
	}
	if flags.Changed("trace") {
		cfg.Trace = runTrace
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = runLogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = runLogFormat
	}
}

// parseVars turns repeated key=value flags into a map.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

type varOverride struct {
	node  string
	name  string
	value string
}

// parseSetVars parses node:var=value flags. node and var are substrings
// matched against node and variable names.
func parseSetVars(specs []string) ([]varOverride, error) {
	out := make([]varOverride, 0, len(specs))
	for _, s := range specs {
		target, value, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set-var %q: expected node:var=value", s)
		}
		node, name, ok := strings.Cut(target, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --set-var %q: expected node:var=value", s)
		}
		out = append(out, varOverride{node: node, name: name, value: value})
	}
	return out, nil
}

func init() {
	runCmd.Flags().StringVar(&runConfig, "config", "", "Config file (default: ./cascade.yaml or the user config dir)")
	runCmd.Flags().StringVar(&runLogDir, "logdir", "", "Directory for per-node output log files")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Set a root variable (key=value), repeatable")
	runCmd.Flags().StringArrayVar(&runSetVars, "set-var", nil, "Override a node variable (node:var=value, substring match), repeatable")
	runCmd.Flags().StringArrayVar(&runEnable, "enable", nil, "Enable nodes whose name contains this text, repeatable")
	runCmd.Flags().StringArrayVar(&runDisable, "disable", nil, "Disable nodes whose name contains this text, repeatable")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Max concurrently running commands (0 = unbounded)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-command timeout (0 = none)")
	runCmd.Flags().StringVar(&runTrace, "trace", "", "Append a JSONL run trace to this file")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	runCmd.Flags().StringVar(&runLogFormat, "log-format", "console", "Log format: console or json")

	rootCmd.AddCommand(runCmd)
}
