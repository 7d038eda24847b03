// Package cli defines the agent-provisioner command tree.
package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/chainguard-dev/agent-provisioner/internal/config"
	"github.com/chainguard-dev/agent-provisioner/internal/log"
	"github.com/chainguard-dev/agent-provisioner/internal/o11y"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// app is the state shared by every command of one invocation.
type app struct {
	configPath string
	logLevel   string
	logDir     string

	runID    string
	cleanups []func(context.Context) error

	// backendFor overrides how commands reach a provider.
	backendFor func(context.Context, *config.Config) (*backend, error)
}

// Execute runs the command tree with 'args' and flushes logs and traces
// afterwards, whatever the outcome.
func Execute(ctx context.Context, version string, args []string) error {
	a := &app{runID: uuid.NewString()}
	root := a.root(version)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.cleanup(context.WithoutCancel(ctx)))
}

func (a *app) root(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agent-provisioner",
		Short:         "Provision cloud machines for remote test agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := a.setupObservability(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&a.logDir, "log-dir", "", "Directory receiving a log and an output file per run")

	cmd.AddCommand(a.template())
	cmd.AddCommand(a.provision())
	cmd.AddCommand(a.tag())
	cmd.AddCommand(a.exec())
	cmd.AddCommand(a.list())
	cmd.AddCommand(a.release())

	return cmd
}

func (a *app) setupObservability(ctx context.Context, cmd *cobra.Command) (context.Context, error) {
	level, err := log.ParseLevel(a.logLevel)
	if err != nil {
		return ctx, err
	}

	handlers := []slog.Handler{log.NewConsoleHandler(cmd.ErrOrStderr(), level)}
	export, flushLogs, err := o11y.SetupLogExport(ctx)
	if err != nil {
		return ctx, err
	}
	a.cleanups = append(a.cleanups, flushLogs)
	if export != nil {
		handlers = append(handlers, export)
	}
	ctx = log.Setup(ctx, handlers...)

	shutdownTracing, err := o11y.SetupTracing(ctx)
	if err != nil {
		return ctx, err
	}
	a.cleanups = append(a.cleanups, shutdownTracing)

	ctx, closeRunLogs := log.SetupRunLogging(ctx, a.logDir, a.runID, cmd.Name())
	a.cleanups = append(a.cleanups, func(context.Context) error {
		closeRunLogs()
		return nil
	})

	return log.With(ctx, o11y.AttrRunID, a.runID), nil
}

// cleanup runs the registered cleanups in reverse order.
func (a *app) cleanup(ctx context.Context) error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](ctx); err != nil {
			clog.FromContext(ctx).Warn("cleanup failed", "error", err)
			errs = append(errs, err)
		}
	}
	a.cleanups = nil
	return errors.Join(errs...)
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.configPath)
}

func (a *app) backend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if a.backendFor != nil {
		return a.backendFor(ctx, cfg)
	}
	return newBackendFromConfig(ctx, cfg)
}
