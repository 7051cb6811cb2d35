package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/raulshma/dev-space-sub002/internal/config"
	"github.com/raulshma/dev-space-sub002/internal/logging"
	"github.com/raulshma/dev-space-sub002/internal/reaper"
	"github.com/raulshma/dev-space-sub002/internal/task"
	"github.com/raulshma/dev-space-sub002/internal/workspace"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithComponent("cli"))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "devhub",
		Short:         "Agent task workspace isolation and review engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newCopyCommand(cfg, logger),
		newSyncCommand(cfg, logger),
		newCleanupCommand(cfg, logger),
		newSweepCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}

func newWorkspaceManager(cfg *config.Config, logger *log.Logger) (*workspace.Manager, error) {
	return workspace.NewManager(cfg.WorkspaceBaseDir, logger,
		workspace.WithExclusions(cfg.ExcludedDirs, cfg.ExcludedPatterns),
		workspace.WithGitTimeout(cfg.GitTimeout),
	)
}

func newWorkspaceReaper(cfg *config.Config, logger *log.Logger) (*reaper.Reaper, error) {
	return reaper.New(logger,
		reaper.WithHandleReleaseWait(cfg.HandleReleaseWait),
		reaper.WithForceRetries(cfg.ForceCleanupRetries),
		reaper.WithForceBackoff(cfg.ForceCleanupBackoff),
		reaper.WithDiscoveryTimeout(cfg.DiscoveryTimeout),
	)
}

func newCopyCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "copy <source-dir> <task-id>",
		Short: "Materialize an isolated workspace copy of a project for a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newWorkspaceManager(cfg, logger)
			if err != nil {
				return err
			}
			result, err := manager.CopyToWorkingDirectory(cmd.Context(), args[0], args[1], nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workspace: %s\nfiles copied: %d\ntotal size: %d bytes\n",
				result.WorkingDirectory, result.FilesCopied, result.TotalSize)
			return nil
		},
	}
}

func newSyncCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <working-dir> <target-dir>",
		Short: "Merge a workspace's changes back into the target project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newWorkspaceManager(cfg, logger)
			if err != nil {
				return err
			}
			result, err := manager.SyncChangesBack(cmd.Context(), args[0], args[1], nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "created: %d\nmodified: %d\ndeleted: %d\n",
				len(result.Created), len(result.Modified), len(result.Deleted))
			if result.UsedFallback {
				fmt.Fprintln(out, "git status unavailable, full copy fallback used")
			}
			return nil
		},
	}
}

func newCleanupCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cleanup <working-dir>",
		Short: "Terminate a workspace's processes and delete its directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			manager, err := newWorkspaceManager(cfg, logger)
			if err != nil {
				return err
			}
			if !manager.Contains(dir) {
				return fmt.Errorf("directory %q is outside the workspace base %q", dir, manager.BaseDir())
			}
			reap, err := newWorkspaceReaper(cfg, logger)
			if err != nil {
				return err
			}
			result := reap.Cleanup(cmd.Context(), dir)
			if !result.Success && force {
				result = reap.ForceCleanup(cmd.Context(), dir)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processes terminated: %d\nfiles deleted: %d\n",
				result.TerminatedProcesses, result.DeletedFiles)
			if !result.Success {
				return &task.CleanupFailedError{Path: dir, Reason: result.Error}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "retry deletion with process re-termination on failure")
	return cmd
}

func newSweepCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Kill orphaned processes rooted in any workspace under the base directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := os.ReadDir(cfg.WorkspaceBaseDir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintln(cmd.OutOrStdout(), "no workspaces")
					return nil
				}
				return fmt.Errorf("list workspace base directory: %w", err)
			}
			reap, err := newWorkspaceReaper(cfg, logger)
			if err != nil {
				return err
			}
			total := 0
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				dir := filepath.Join(cfg.WorkspaceBaseDir, entry.Name())
				killed := reap.TerminateProcesses(cmd.Context(), dir)
				if killed > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: killed %d\n", dir, killed)
				}
				total += killed
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total processes killed: %d\n", total)
			return nil
		},
	}
}
