package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chainguard-dev/agent-provisioner/internal/config"
	"github.com/chainguard-dev/agent-provisioner/internal/inventory"
	"github.com/chainguard-dev/agent-provisioner/internal/log"
	"github.com/chainguard-dev/agent-provisioner/internal/o11y"
	"github.com/chainguard-dev/agent-provisioner/internal/ssh"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"
)

func (a *app) exec() *cobra.Command {
	var (
		user string
		port uint16
	)

	cmd := &cobra.Command{
		Use:   "exec TARGET -- COMMAND [ARGS...]",
		Short: "Run a command over SSH on a machine",
		Long: `Exec logs in to TARGET with the configured private key and runs COMMAND.
TARGET is either an address or a machine recorded in the inventory, written
as PROVIDER/ID. Arguments are quoted for the remote shell.

Example:
  agent-provisioner exec 203.0.113.7 -- ls -la /tmp
  agent-provisioner exec ec2/i-0123456789abcdef0 -- cat '/var/log/cloud init.log'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			host, login, keyPath := args[0], user, ""
			if provider, id, ok := strings.Cut(args[0], "/"); ok {
				m, err := inventory.NewFile(cfg.Inventory).Get(ctx, provider, id)
				if err != nil {
					return err
				}
				if len(m.Addresses) == 0 {
					return fmt.Errorf("machine %s has no recorded address", args[0])
				}
				host = m.Addresses[0]
				if login == "" {
					login = m.User
				}
				keyPath = m.KeyPath
			}
			auth, err := authenticatorFor(cfg.SSH, keyPath)
			if err != nil {
				return err
			}
			if login == "" {
				login = defaultUser(cfg.Provider)
			}
			if port == 0 {
				port = cfg.SSH.Port
			}

			return runRemote(ctx, cmd.OutOrStdout(), host, port, login, auth, shellquote.Join(args[1:]...))
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "Login user; defaults to the recorded or configured user")
	cmd.Flags().Uint16VarP(&port, "port", "p", 0, "SSH port; defaults to ssh.port")

	return cmd
}

// runRemote runs 'command' on 'host' and copies its stdout to 'out'. Both
// streams are also logged so they end up in the run's output file.
func runRemote(ctx context.Context, out io.Writer, host string, port uint16, user string, auth ssh.Authenticator, command string) error {
	ctx = log.With(ctx, o11y.AttrCommand, command, "host", host)
	log.Info(ctx, "running remote command", "user", user)

	client, err := ssh.Connect(ctx, host, port, user, auth)
	if err != nil {
		return err
	}
	defer client.Close()

	stdout, stderr, err := ssh.Exec(client, command)
	if stdout != "" {
		log.Debug(ctx, "remote stdout", log.RemoteOutputKey, stdout)
		if _, werr := io.WriteString(out, stdout); werr != nil {
			return werr
		}
	}
	if stderr != "" {
		log.Info(ctx, "remote stderr", log.RemoteOutputKey, stderr)
	}
	if err != nil {
		return err
	}
	log.Info(ctx, "remote command finished")
	return nil
}

func defaultUser(provider string) string {
	if provider == config.ProviderDigitalOcean {
		return "root"
	}
	return "ubuntu"
}
