package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atp-network/atp-router/internal/daemon"
	"github.com/atp-network/atp-router/internal/infra/policy"
)

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringP("policies", "p", "", "JSON file of ABAC policies to lint")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and optional policy definitions",
	Long: `Parse the TOML config and, when --policies is given, a JSON array
of ABAC policy definitions. Exits non-zero on the first problem found.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	if _, err := daemon.Load(configPath); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintf(os.Stdout, "config OK: %s\n", configPath)

	policiesPath, _ := cmd.Flags().GetString("policies")
	if policiesPath == "" {
		return nil
	}

	data, err := os.ReadFile(policiesPath)
	if err != nil {
		return err
	}
	var policies []policy.ABACPolicy
	if err := json.Unmarshal(data, &policies); err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	for i, p := range policies {
		if p.PolicyID == "" {
			return fmt.Errorf("policies[%d]: policy_id is required", i)
		}
		if len(p.Rules) == 0 {
			return fmt.Errorf("policies[%d] (%s): at least one rule is required", i, p.PolicyID)
		}
		for j, r := range p.Rules {
			switch r.Effect {
			case policy.EffectPermit, policy.EffectDeny:
			default:
				return fmt.Errorf("policies[%d].rules[%d]: effect must be permit or deny", i, j)
			}
		}
	}
	fmt.Fprintf(os.Stdout, "policies OK: %d definitions in %s\n", len(policies), policiesPath)
	return nil
}
