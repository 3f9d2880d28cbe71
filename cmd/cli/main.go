package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dvhoang/rkforge/internal/avb"
	"github.com/dvhoang/rkforge/internal/fsbuild"
	"github.com/dvhoang/rkforge/internal/logging"
	"github.com/dvhoang/rkforge/internal/pipeline"
	"github.com/dvhoang/rkforge/internal/setup"
	"github.com/dvhoang/rkforge/internal/superimg"
	"github.com/dvhoang/rkforge/internal/tools"
	"github.com/dvhoang/rkforge/internal/workspace"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	var (
		logLevel   = defaultLogLevel
		projectDir string
		configPath string
	)

	root := &cobra.Command{
		Use:           "rkforge",
		Short:         "CLI for 'rkforge': extract, edit and rebuild Rockchip firmware images",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "Project workspace directory")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	env := &cliEnv{logger: logger, projectDir: &projectDir, configPath: &configPath}

	root.AddCommand(
		newProjectCommand(env),
		newToolsCommand(env),
		newExtractCommand(env),
		newBuildCommand(env),
		newSuperCommand(env),
		newVerityCommand(env),
		newBootCommand(env),
		newRunsCommand(env),
	)
	return root
}

// cliEnv carries the pieces every subcommand assembles the same way: config,
// tool registry, runner and the project workspace.
type cliEnv struct {
	logger     *slog.Logger
	projectDir *string
	configPath *string
}

func (e *cliEnv) config() (setup.Config, error) {
	return setup.Load(*e.configPath)
}

func (e *cliEnv) registry(ctx context.Context, cfg setup.Config) *tools.Registry {
	runner := &tools.ExecRunner{Logger: e.logger, Timeout: cfg.Timeout()}
	reg := tools.NewRegistry(cfg.SearchDirs(), &tools.ExecProber{Runner: runner}, e.logger)
	reg.Scan(ctx)
	return reg
}

func (e *cliEnv) orchestrator(ctx context.Context) (*pipeline.Orchestrator, func(), error) {
	cfg, err := e.config()
	if err != nil {
		return nil, nil, err
	}
	proj, err := workspace.Open(*e.projectDir)
	if err != nil {
		return nil, nil, err
	}

	runLog, err := pipeline.OpenRunLog(filepath.Join(proj.LogsDir(), "runs.db"))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { runLog.Close() }

	o := &pipeline.Orchestrator{
		Project:       proj,
		Registry:      e.registry(ctx, cfg),
		Runner:        &tools.ExecRunner{Logger: e.logger, Timeout: cfg.Timeout()},
		Logger:        e.logger,
		RunLog:        runLog,
		Workers:       cfg.Workers,
		GrowthFactors: cfg.GrowthFactors,
	}
	return o, cleanup, nil
}

func newProjectCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage project workspaces",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <dir>",
		Args:  cobra.ExactArgs(1),
		Short: "Create a new project workspace layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := strings.TrimSpace(args[0])
			if dir == "" {
				return fmt.Errorf("project directory is required")
			}
			proj, err := workspace.Create(dir)
			if err != nil {
				return err
			}
			env.logger.Info("project created", "root", proj.Root())
			fmt.Fprintln(cmd.OutOrStdout(), proj.Root())
			return nil
		},
	})
	return cmd
}

func newToolsCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage the external image tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Scan for external tools and report availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.config()
			if err != nil {
				return err
			}
			reg := env.registry(cmd.Context(), cfg)

			out := cmd.OutOrStdout()
			for _, d := range reg.All() {
				if d.Available {
					fmt.Fprintf(out, "%-16s %s\t%s\n", d.LogicalID, d.Path, d.Version)
				} else {
					fmt.Fprintf(out, "%-16s (not found)\n", d.LogicalID)
				}
			}
			return nil
		},
	})
	return cmd
}

func newExtractCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract the ROM images under in/ into editable source trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := env.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := o.ExtractROM(cmd.Context())
			if report != nil {
				printReport(cmd, report)
			}
			if err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d unit(s) failed", len(report.Failed()))
			}
			return nil
		},
	}
}

func newBuildCommand(env *cliEnv) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Rebuild partition images from the source trees under out/Source",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputMode := fsbuild.OutputMode(mode)
			switch outputMode {
			case fsbuild.OutputRaw, fsbuild.OutputSparse, fsbuild.OutputBoth:
			default:
				return fmt.Errorf("unknown output mode %q (raw, sparse, both)", mode)
			}

			o, cleanup, err := env.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := o.BuildImages(cmd.Context(), outputMode)
			if report != nil {
				printReport(cmd, report)
			}
			if err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d unit(s) failed", len(report.Failed()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "raw", "Output encoding: raw, sparse or both")
	return cmd
}

func newSuperCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "super",
		Short: "Split and rebuild super (dynamic partition) images",
	}

	cmd.AddCommand(
		newSuperSplitCommand(env),
		newSuperJoinCommand(env),
	)
	return cmd
}

func newSuperSplitCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "split <super.img>",
		Args:  cobra.ExactArgs(1),
		Short: "Split a super image into its member partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			imgPath, err := filepath.Abs(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if _, err := os.Stat(imgPath); err != nil {
				return fmt.Errorf("super image %s: %w", imgPath, err)
			}

			o, cleanup, err := env.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := o.SplitSuper(cmd.Context(), imgPath)
			if report != nil {
				printReport(cmd, report)
			}
			return err
		},
	}
}

func newSuperJoinCommand(env *cliEnv) *cobra.Command {
	var (
		resize string
		sparse bool
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Rebuild super.img from the built partition images",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := superimg.ResizeMode(resize)
			switch mode {
			case superimg.ResizeStrict, superimg.ResizeAuto:
			default:
				return fmt.Errorf("unknown resize mode %q (strict, auto)", resize)
			}

			o, cleanup, err := env.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := o.JoinSuper(cmd.Context(), mode, sparse)
			if report != nil {
				printReport(cmd, report)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&resize, "resize", "auto", "Resize policy when images outgrew their slots: strict or auto")
	cmd.Flags().BoolVar(&sparse, "sparse", false, "Emit a sparse super image")
	return cmd
}

func newVerityCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verity",
		Short: "Manage verified boot state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Create disabled vbmeta images and strip verity flags from fstabs",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := env.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := o.DisableVerity(cmd.Context())
			if report != nil {
				printReport(cmd, report)
			}
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <vbmeta.img>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the verification flags of a vbmeta image",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags, err := avb.ReadVBMetaFlags(args[0])
			if err != nil {
				return err
			}
			state := "enabled"
			if flags&avb.VBMetaFlagVerificationDisabled != 0 {
				state = "disabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flags=0x%x verification=%s\n", flags, state)
			return nil
		},
	})
	return cmd
}

func newBootCommand(env *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Unpack and repack boot images",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "unpack <boot.img>",
		Args:  cobra.ExactArgs(1),
		Short: "Unpack a boot image into the project's temp/boot directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			imgPath, err := filepath.Abs(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if _, err := os.Stat(imgPath); err != nil {
				return fmt.Errorf("boot image %s: %w", imgPath, err)
			}

			o, cleanup, err := env.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := o.UnpackBoot(cmd.Context(), imgPath)
			if report != nil {
				printReport(cmd, report)
			}
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "repack <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Repack a previously unpacked boot image into out/Image",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, cleanup, err := env.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := o.RepackBoot(cmd.Context(), strings.TrimSpace(args[0]))
			if report != nil {
				printReport(cmd, report)
			}
			return err
		},
	})
	return cmd
}

func newRunsCommand(env *cliEnv) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the recent pipeline runs for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := workspace.Open(*env.projectDir)
			if err != nil {
				return err
			}
			runLog, err := pipeline.OpenRunLog(filepath.Join(proj.LogsDir(), "runs.db"))
			if err != nil {
				return err
			}
			defer runLog.Close()

			runs, err := runLog.Recent(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			for _, r := range runs {
				state := "ok"
				if !r.OK {
					state = "failed"
				}
				fmt.Fprintf(out, "%s\t%-14s\t%s\t%d unit(s)\t%s\n",
					r.StartedAt.Format("2006-01-02 15:04:05"), r.Operation, state, r.Units, r.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to show")
	return cmd
}

func printReport(cmd *cobra.Command, report *pipeline.RunReport) {
	out := cmd.OutOrStdout()
	for _, u := range report.Units {
		line := fmt.Sprintf("%-12s %s", u.Unit, u.Status)
		if u.Message != "" {
			line += "\t" + u.Message
		}
		fmt.Fprintln(out, line)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
