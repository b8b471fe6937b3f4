package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/lineage/pkg/identity"
)

// NewIdentityCommand creates the identity subcommand.
func NewIdentityCommand(global *GlobalOptions) *cobra.Command {
	var authorEmail string

	cmd := &cobra.Command{
		Use:   "identity [path]",
		Short: "Print the repository identity and root commit hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}

			a, err := newApp(global, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			acc, err := a.opener()(pathsOrCwd(args)[0])
			if err != nil {
				return err
			}
			defer acc.Close()

			tip, err := acc.ResolveTip(cmd.Context())
			if err != nil {
				return fmt.Errorf("resolve tip: %w", err)
			}

			email := firstNonEmpty(authorEmail, cfg.Repository.AuthorEmail)
			if email == "" {
				_, email = acc.AuthorIdentity()
			}

			email = identity.NormalizeEmail(email)

			id, err := identity.Derive(cmd.Context(), acc, identity.Default(), tip.ID, email)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identity:     %s\n", id.ID)
			fmt.Fprintf(out, "root:         %s\n", id.RootID)
			fmt.Fprintf(out, "root hash:    %s\n", id.RootHash)
			fmt.Fprintf(out, "hash version: %d\n", id.HashVersion)
			fmt.Fprintf(out, "author:       %s\n", email)

			return nil
		},
	}

	cmd.Flags().StringVar(&authorEmail, "author-email", "", "analyzing author email (default: repository git config)")

	return cmd
}
