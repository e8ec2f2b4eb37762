package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackvz/gitlab-foss/internal/adapters/auth/apikey"
)

var tokenHashCmd = &cobra.Command{
	Use:   "token-hash <token>",
	Short: "Print the hash under which a token is stored in config.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash := apikey.HashToken(args[0])
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "SHA-256 Hash: %s\n", hash)
		fmt.Fprintln(out, "\nAdd this to a user or trigger in config.yaml:")
		fmt.Fprintf(out, "  tokens:\n")
		fmt.Fprintf(out, "    - token_hash: \"%s\"\n", hash)
		return nil
	},
}
