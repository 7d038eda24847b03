package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chainguard-dev/agent-provisioner/internal/config"
	"github.com/chainguard-dev/agent-provisioner/internal/inventory"
	"github.com/chainguard-dev/agent-provisioner/internal/log"
	"github.com/chainguard-dev/agent-provisioner/internal/o11y"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) list() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List machines kept by 'provision --keep'",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			machines, err := inventory.NewFile(cfg.Inventory).List(cmd.Context())
			if err != nil {
				return err
			}
			if len(machines) == 0 {
				log.Info(cmd.Context(), "inventory is empty", "path", cfg.Inventory)
				return nil
			}
			return printYAML(cmd, machines)
		},
	}
}

func (a *app) release() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "release [PROVIDER/ID...]",
		Short: "Terminate kept machines and drop them from the inventory",
		Long: `Release terminates machines recorded by 'provision --keep'. Only machines of
the configured provider can be released.

Example:
  agent-provisioner release ec2/i-0123456789abcdef0
  agent-provisioner release --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all == (len(args) > 0) {
				return fmt.Errorf("pass either machines to release or --all")
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			inv := inventory.NewFile(cfg.Inventory)

			targets, err := releaseTargets(cmd, inv, cfg, args, all)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				log.Info(ctx, "nothing to release")
				return nil
			}

			b, err := a.backend(ctx, cfg)
			if err != nil {
				return err
			}

			return releaseMachines(ctx, cmd.OutOrStdout(), inv, b.terminate, targets)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Release every machine of the configured provider")

	return cmd
}

// releaseConcurrency bounds the machines terminated at once.
const releaseConcurrency = 8

// releaseMachines terminates 'targets' concurrently and drops each released
// one from 'inv'. Every target is attempted; the failures are joined.
func releaseMachines(ctx context.Context, out io.Writer, inv inventory.Inventory, terminate func(context.Context, provisioner.Node) error, targets []inventory.Machine) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}

	var g errgroup.Group
	g.SetLimit(releaseConcurrency)
	for _, m := range targets {
		g.Go(func() error {
			ctx := log.With(ctx, o11y.AttrNode, m.ID)
			node := provisioner.Node{ProviderID: m.ID, PublicAddresses: m.Addresses, Name: m.Name}
			if err := terminate(ctx, node); err != nil {
				log.Error(ctx, "failed to release machine", "error", err)
				fail(fmt.Errorf("%s/%s: %w", m.Provider, m.ID, err))
				return nil
			}
			if err := inv.Remove(ctx, m.Provider, m.ID); err != nil {
				fail(err)
				return nil
			}
			removeKey(ctx, m.KeyPath)

			mu.Lock()
			defer mu.Unlock()
			if _, err := fmt.Fprintf(out, "released %s/%s\n", m.Provider, m.ID); err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func releaseTargets(cmd *cobra.Command, inv inventory.Inventory, cfg *config.Config, args []string, all bool) ([]inventory.Machine, error) {
	ctx := cmd.Context()
	if all {
		machines, err := inv.List(ctx)
		if err != nil {
			return nil, err
		}
		var targets []inventory.Machine
		for _, m := range machines {
			if m.Provider == cfg.Provider {
				targets = append(targets, m)
			}
		}
		return targets, nil
	}

	targets := make([]inventory.Machine, 0, len(args))
	for _, arg := range args {
		provider, id, ok := strings.Cut(arg, "/")
		if !ok {
			return nil, fmt.Errorf("%q is not of the form PROVIDER/ID", arg)
		}
		if provider != cfg.Provider {
			return nil, fmt.Errorf("%s belongs to provider %s, but %s is configured", arg, provider, cfg.Provider)
		}
		m, err := inv.Get(ctx, provider, id)
		if err != nil {
			return nil, err
		}
		targets = append(targets, m)
	}
	return targets, nil
}
