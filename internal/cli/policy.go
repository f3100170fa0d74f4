package cli

import (
	"fmt"

	"github.com/agentsh/interlock/internal/policy"
	"github.com/spf13/cobra"
)

func newPolicyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the permission policy",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (defaults to INTERLOCK_CONFIG or ./interlock.yaml)")

	cmd.AddCommand(&cobra.Command{
		Use:   "check SCOPE",
		Short: "Resolve a scope against the configured policy without contacting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			res := e.Evaluate(cmd.Context(), args[0])
			return printJSON(cmd, res)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged allow and deny lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			return printJSON(cmd, e.Patterns())
		},
	})

	return cmd
}

// loadEngine builds a read-only engine from the config's lists merged with
// the persisted policy file.
func loadEngine(configPath string) (*policy.Engine, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	p := policy.Policy{Allow: cfg.Policies.Allow, Deny: cfg.Policies.Deny}
	if cfg.Policies.File != "" {
		persisted, err := policy.NewFileStore(cfg.Policies.File).Load()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", cfg.Policies.File, err)
		}
		p = policy.Merge(p, persisted)
	}
	return policy.NewEngine(p)
}
