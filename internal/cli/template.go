package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) template() *cobra.Command {
	return &cobra.Command{
		Use:   "template",
		Short: "Prepare firewall rules and print the launch template",
		Long: `Template creates and opens the configured security groups (or firewalls)
exactly as provisioning would, then prints the resulting launch template as
YAML without launching anything.

Example:
  agent-provisioner template -c provisioner.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			b, err := a.backend(ctx, cfg)
			if err != nil {
				return err
			}
			t, err := b.build(ctx)
			if err != nil {
				return err
			}
			return printYAML(cmd, t)
		},
	}
}

func printYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("rendering output: %w", err)
	}
	return enc.Close()
}
