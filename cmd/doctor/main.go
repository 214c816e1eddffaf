package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/config"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/health"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/statusboard"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitFatal       = 70
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, err)
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitUsage
}

type globalOptions struct {
	configPath string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "doctor",
		Short:         "Self-healing doctor for a monitored service",
		Long:          "doctor polls a service's health endpoint, decides on a remediation and applies it: an error reset through the service's /heal endpoint or a restart of its pod or container.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath, "path to configuration file")

	root.AddCommand(
		newRunCommand(opts, stderr),
		newCheckCommand(opts, stdout),
		newStatusCommand(opts, stdout),
		newValidateCommand(opts, stdout),
		newVersionCommand(stdout),
	)
	return root
}

func loadConfig(path string, overrides config.Overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: exitConfigError, err: fmt.Errorf("failed to load configuration: %w", err)}
	}
	if err := cfg.Apply(overrides); err != nil {
		return nil, &exitError{code: exitConfigError, err: fmt.Errorf("invalid overrides: %w", err)}
	}
	return cfg, nil
}

func newRunCommand(opts *globalOptions, stderr io.Writer) *cobra.Command {
	var overrides config.Overrides
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the doctor loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, overrides)
			if err != nil {
				return err
			}
			return runDoctor(cmd.Context(), cfg, stderr)
		},
	}
	bindOverrides(cmd, &overrides)
	return cmd
}

func bindOverrides(cmd *cobra.Command, o *config.Overrides) {
	cmd.Flags().StringVar(&o.TargetURL, "target-url", "", "override target_url from the configuration")
	cmd.Flags().IntVar(&o.CheckIntervalSec, "interval", 0, "override check_interval_sec from the configuration")
	cmd.Flags().BoolVar(&o.DryRun, "dry-run", false, "decide but do not apply remediations")
}

func runDoctor(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	st, err := buildStack(ctx, cfg, stderr, stackDeps{})
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	defer st.Close()

	if st.collector != nil {
		go func() {
			if err := st.collector.Serve(ctx, cfg.Metrics.Listen); err != nil {
				st.warn(ctx, "metrics_server_failed", err)
			}
		}()
	}

	if err := st.doctor.Run(ctx); err != nil && ctx.Err() == nil {
		return &exitError{code: exitFatal, err: fmt.Errorf("doctor loop: %w", err)}
	}
	return nil
}

func newCheckCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var overrides config.Overrides
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Fetch health once and print the decision without acting on it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, overrides)
			if err != nil {
				return err
			}
			return checkOnce(cmd.Context(), cfg, stdout)
		},
	}
	bindOverrides(cmd, &overrides)
	return cmd
}

func checkOnce(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	client, err := health.NewClient(cfg.TargetURL, health.WithTimeout(cfg.FetchTimeout()))
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	selection, err := selectOracle(ctx, cfg, nil)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}

	fmt.Fprintf(stdout, "instance %s checking %s\n", cfg.InstanceName, client.URL())
	fmt.Fprintf(stdout, "  oracle: %s\n", selection.Oracle.Name())
	if selection.FallbackCause != nil {
		fmt.Fprintf(stdout, "  learned oracle unavailable: %v\n", selection.FallbackCause)
	}

	sample := client.Fetch(ctx)
	if report, ok := sample.Report(); ok {
		fmt.Fprintf(stdout, "  health: status=%s cpu=%d%% memory=%d%% errors=%d uptime=%ds\n",
			report.Status, report.CPUUsagePct, report.MemoryUsagePct, report.ErrorCount, report.UptimeSeconds)
	} else {
		fmt.Fprintf(stdout, "  health: unavailable (%v)\n", sample.Err())
	}

	decision := selection.Oracle.Decide(ctx, sample)
	fmt.Fprintf(stdout, "  decision: %s (%s)\n", decision.Action, decision.Reason)
	fmt.Fprintln(stdout, "no remediation performed in check mode")
	return nil
}

func newStatusCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last tick published by every doctor instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, config.Overrides{})
			if err != nil {
				return err
			}
			if !cfg.CoordinationEnabled() {
				return &exitError{code: exitConfigError, err: errors.New("status requires coordination.etcd_endpoints")}
			}
			board, err := openStatusBoard(cfg, "")
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			defer board.Close()
			return printStatus(cmd.Context(), board, stdout)
		},
	}
}

func printStatus(ctx context.Context, board statusboard.Board, stdout io.Writer) error {
	entries, err := board.List(ctx)
	if err != nil {
		return &exitError{code: exitFatal, err: fmt.Errorf("list instance status: %w", err)}
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no doctor instances have reported")
		return nil
	}
	for _, entry := range entries {
		fmt.Fprintf(stdout, "%s: %s at %s", entry.Instance, entry.Result, entry.ReportedAt.Format(time.RFC3339))
		if entry.HealthStatus != "" {
			fmt.Fprintf(stdout, " health=%s", entry.HealthStatus)
		}
		if entry.ErrorCount != nil {
			fmt.Fprintf(stdout, " errors=%d", *entry.ErrorCount)
		}
		if entry.Action != "" {
			fmt.Fprintf(stdout, " action=%s", entry.Action)
		}
		if entry.Detail != "" {
			fmt.Fprintf(stdout, " (%s)", entry.Detail)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

func newValidateCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(opts.configPath); err != nil {
				return &exitError{code: exitConfigError, err: fmt.Errorf("configuration invalid: %w", err)}
			}
			fmt.Fprintf(stdout, "configuration at %s is valid\n", opts.configPath)
			return nil
		},
	}
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if short {
				fmt.Fprintln(stdout, version.Version)
				return nil
			}
			fmt.Fprintln(stdout, version.Current())
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version number")
	return cmd
}
