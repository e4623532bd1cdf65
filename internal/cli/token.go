package cli

import (
	"fmt"

	"github.com/basekick-labs/elf/internal/auth"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token [token]",
		Short: "Generate an API token and the bcrypt hash to configure",
		Long: `Generate a random bearer token, or hash the given one, and print the value
to put in auth.token_hash (or ELF_AUTH_TOKEN_HASH). Only the hash is stored by the
service; keep the token itself secret.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				generated, err := auth.GenerateToken()
				if err != nil {
					return err
				}
				token = generated
			}

			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token:      %s\n", token)
			fmt.Fprintf(out, "token_hash: %s\n", hash)
			return nil
		},
	}
}
