package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/agent-provisioner/internal/inventory"
	"github.com/chainguard-dev/agent-provisioner/internal/log"
	"github.com/chainguard-dev/agent-provisioner/internal/o11y"
	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/spf13/cobra"
)

func (a *app) provision() *cobra.Command {
	var (
		keep       bool
		run        string
		sshTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Launch a machine, wait for SSH and optionally run a command on it",
		Long: `Provision builds a template, launches a machine from it, tags it and waits
until its SSH port accepts connections. The machine is printed as YAML.

Unless --keep is given the machine is terminated before the command exits.
Kept machines are recorded in the inventory as soon as they are up; see 'list'
and 'release'. When no ssh.private_key is configured the generated key is saved
next to the inventory so 'exec' can reach the machine later.

Example:
  agent-provisioner provision -c provisioner.yaml --run 'uname -a'
  agent-provisioner provision -c provisioner.yaml --keep`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("ssh-timeout") {
				cfg.SSH.Timeout = sshTimeout
			}
			b, err := a.backend(ctx, cfg)
			if err != nil {
				return err
			}
			ctx = log.With(ctx, o11y.AttrProvider, b.name)

			m, err := b.provision(ctx, provisioner.Options{
				SSHPort:    cfg.SSH.Port,
				SSHTimeout: cfg.SSH.Timeout,
			})
			if err != nil {
				return err
			}
			ctx = log.With(ctx, o11y.AttrNode, m.Node.ProviderID)

			record := machineRecord(b, m)
			if keep {
				// Record first so a failure below leaves the machine releasable.
				if err := recordKept(ctx, inventory.NewFile(cfg.Inventory), keyDir(cfg), b, &record); err != nil {
					log.Error(ctx, "failed to record kept machine, releasing it", "error", err)
					return errors.Join(err, m.Release(context.WithoutCancel(ctx)))
				}
			} else {
				defer func() {
					if rerr := m.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
						err = rerr
					}
				}()
			}

			if err := printYAML(cmd, record); err != nil {
				return err
			}

			if run != "" {
				if len(m.Node.PublicAddresses) == 0 {
					return provisioner.ErrNoPublicAddress
				}
				if err := runRemote(ctx, cmd.OutOrStdout(), m.Node.PublicAddresses[0], cfg.SSH.Port, b.user, m.Authenticator, run); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the machine running and record it in the inventory")
	cmd.Flags().StringVar(&run, "run", "", "Command to run on the machine once it is reachable")
	cmd.Flags().DurationVar(&sshTimeout, "ssh-timeout", 0, "Override ssh.timeout; 0 skips waiting for SSH")

	return cmd
}

// recordKept adds a kept machine to 'inv'. A key generated for the run is
// saved under 'dir' first and referenced from the record.
func recordKept(ctx context.Context, inv inventory.Inventory, dir string, b *backend, record *inventory.Machine) error {
	if b.ephemeralKey != nil {
		path := filepath.Join(dir, record.Provider+"-"+record.ID)
		if err := b.ephemeralKey.WriteFiles(path, record.Provider+"/"+record.ID); err != nil {
			return fmt.Errorf("saving generated key: %w", err)
		}
		record.KeyPath = path
		log.Info(ctx, "saved generated key for kept machine", "path", path)
	}
	if _, err := inv.Add(ctx, *record); err != nil {
		removeKey(ctx, record.KeyPath)
		return err
	}
	return nil
}

// removeKey deletes a key pair written by 'recordKept'.
func removeKey(ctx context.Context, path string) {
	if path == "" {
		return
	}
	for _, p := range []string{path, path + ".pub"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn(ctx, "failed to remove key file", "path", p, "error", err)
		}
	}
}

func machineRecord(b *backend, m *provisioner.Machine) inventory.Machine {
	record := inventory.Machine{
		Provider:  b.name,
		ID:        m.Node.ProviderID,
		Name:      m.Node.Name,
		Addresses: m.Node.PublicAddresses,
		User:      b.user,
		CreatedAt: time.Now().UTC(),
	}
	if !b.tagged {
		return record
	}
	workDir := b.workDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return record
		}
		workDir = wd
	}
	record.Tag = provisioner.WorkspaceTag(workDir, m.Node.PublicAddresses...)
	return record
}
