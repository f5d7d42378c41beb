package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/nemanja-m/voxq/internal/coordinator/api/rest"
)

var hashCost int

// hashKeyCmd prints the key_prefix and key_hash pair for an identity entry,
// so that plain keys need not live in the configuration file.
var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Hash an API key for the auth.identities configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, hash, err := rest.HashAPIKey(args[0], hashCost)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "key_prefix: %s\nkey_hash: %s\n", prefix, hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().IntVar(&hashCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
}
