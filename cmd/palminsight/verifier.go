package main

import (
	"fmt"

	"github.com/palminsight/palminsight/pkce"
	"github.com/spf13/cobra"
)

var verifierCmd = &cobra.Command{
	Use:   "verifier",
	Short: "Generate a PKCE code verifier and its S256 challenge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v, err := pkce.GenerateVerifier()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "verifier:  %s\n", v)
		fmt.Fprintf(out, "challenge: %s\n", pkce.S256Challenge(v))
		return nil
	},
}
