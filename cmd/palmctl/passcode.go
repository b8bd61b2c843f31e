package main

import (
	"bufio"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/palmid/internal/credential"
)

func newPasscodeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passcode",
		Short: "Manage the passcode factor",
	}

	set := needsStore(&cobra.Command{
		Use:   "set KEY",
		Short: "Set a user's passcode, read from the first line of stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passcode, err := readPasscode(cmd)
			if err != nil {
				return fail(cmd, "Failed to read passcode", err)
			}
			if err := a.store.SetPasscode(cmd.Context(), credential.UserKey(args[0]), passcode); err != nil {
				return fail(cmd, "Failed to set passcode", err)
			}
			success(cmd, "Passcode set for %s", args[0])
			return nil
		},
	})

	verify := needsStore(&cobra.Command{
		Use:   "verify KEY",
		Short: "Check a passcode, read from the first line of stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passcode, err := readPasscode(cmd)
			if err != nil {
				return fail(cmd, "Failed to read passcode", err)
			}
			ok, err := a.store.VerifyPasscode(cmd.Context(), credential.UserKey(args[0]), passcode)
			if err != nil {
				return fail(cmd, "Failed to verify passcode", err)
			}
			if !ok {
				return fail(cmd, "Passcode rejected", errors.New("passcode does not match"))
			}
			success(cmd, "Passcode accepted")
			return nil
		},
	})

	cmd.AddCommand(set, verify)
	return cmd
}

func readPasscode(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", err
		}
		return "", errors.New("empty passcode")
	}
	return line, nil
}
