package cli

import (
	"github.com/agentsh/interlock/internal/approvals"
	"github.com/spf13/cobra"
)

func newTOTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Manage the approval second factor",
	}

	var account string
	setup := &cobra.Command{
		Use:   "setup",
		Short: "Generate a TOTP secret and print an enrollment QR code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := approvals.GenerateTOTPSecret()
			if err != nil {
				return err
			}
			return approvals.DisplayTOTPSetup(cmd.OutOrStdout(), account, secret)
		},
	}
	setup.Flags().StringVar(&account, "account", "admin", "Account name shown in the authenticator app")
	cmd.AddCommand(setup)

	return cmd
}
