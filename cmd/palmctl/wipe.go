package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/palmid/internal/secure"
)

func newWipeCmd(a *app) *cobra.Command {
	var yes bool
	cmd := needsStore(&cobra.Command{
		Use:   "wipe",
		Short: "Remove every user and template and recreate the default user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(cmd, "Remove ALL stored palm data?") {
				warning(cmd, "Aborted")
				return nil
			}
			if err := a.store.RemoveAllData(cmd.Context()); err != nil {
				return fail(cmd, "Failed to remove data", err)
			}
			success(cmd, "All palm data removed")
			return nil
		},
	})
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random sealing key for PALMID_SECRET_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secure.GenerateKey()
			if err != nil {
				return fail(cmd, "Failed to generate key", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
