package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/palmid/internal/credential"
)

func newUsersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List, create and remove user records",
	}

	list := needsStore(&cobra.Command{
		Use:   "list",
		Short: "List every user record in enrollment order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := a.store.ListUsers(cmd.Context())
			if err != nil {
				return fail(cmd, "Failed to list users", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tUSERNAME\tUNIQUE ID\tFACTORS\tTEMPLATES")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", u.Key, u.Username, u.UniqueIDValue(), u.Factors, len(u.Templates))
			}
			return w.Flush()
		},
	})

	var username, uniqueID string
	create := needsStore(&cobra.Command{
		Use:   "create",
		Short: "Create a user record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var uid *string
			if uniqueID != "" {
				uid = &uniqueID
			}
			rec, err := a.store.CreateUser(cmd.Context(), username, uid)
			if err != nil {
				return fail(cmd, "Failed to create user", err)
			}
			success(cmd, "Created user %s (%s)", rec.Key, rec.Username)
			return nil
		},
	})
	create.Flags().StringVar(&username, "username", "", "display name")
	create.Flags().StringVar(&uniqueID, "unique-id", "", "optional external identifier, unique across users")
	_ = create.MarkFlagRequired("username")

	show := needsStore(&cobra.Command{
		Use:   "show KEY",
		Short: "Show a user record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := a.store.User(cmd.Context(), credential.UserKey(args[0]))
			if err != nil {
				return fail(cmd, "Failed to load user", err)
			}
			meta, err := credential.DecodeMetadata(rec.Metadata)
			if err != nil {
				return fail(cmd, "Stored metadata is unreadable", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:        %s\n", rec.Key)
			fmt.Fprintf(out, "username:   %s\n", rec.Username)
			fmt.Fprintf(out, "unique id:  %s\n", rec.UniqueIDValue())
			fmt.Fprintf(out, "factors:    %s\n", rec.Factors)
			fmt.Fprintf(out, "registered: %t\n", rec.IsRegistered())
			for _, et := range rec.Templates {
				faint.Fprintf(out, "  template %s %s %s\n", et.Template.ID, et.Factor, et.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			keys := make([]string, 0, len(meta))
			for k := range meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s=%s\n", k, meta[k])
			}
			return nil
		},
	})

	remove := needsStore(&cobra.Command{
		Use:   "remove KEY",
		Short: "Delete a user record and its templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.RemoveUser(cmd.Context(), credential.UserKey(args[0])); err != nil {
				return fail(cmd, "Failed to remove user", err)
			}
			success(cmd, "Removed user %s", args[0])
			return nil
		},
	})

	unregister := needsStore(&cobra.Command{
		Use:   "unregister KEY",
		Short: "Remove every registered factor of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.Unregister(cmd.Context(), credential.UserKey(args[0])); err != nil {
				return fail(cmd, "Failed to unregister user", err)
			}
			success(cmd, "Unregistered %s", args[0])
			return nil
		},
	})

	factors := needsStore(&cobra.Command{
		Use:   "factors KEY",
		Short: "Print the registered factors of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := a.store.RegisteredFactors(cmd.Context(), credential.UserKey(args[0]))
			if err != nil {
				return fail(cmd, "Failed to read factors", err)
			}
			if set.Empty() {
				warning(cmd, "%s has no registered factors", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (mask %d)\n", set, set.Mask())
			return nil
		},
	})

	metadata := needsStore(&cobra.Command{
		Use:   "metadata KEY key=value...",
		Short: "Replace the metadata of a user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fail(cmd, "Invalid metadata", fmt.Errorf("expected key=value, got %q", kv))
				}
				values[k] = v
			}
			blob, err := credential.EncodeMetadata(values)
			if err != nil {
				return fail(cmd, "Invalid metadata", err)
			}
			if err := a.store.SetMetadata(cmd.Context(), credential.UserKey(args[0]), blob); err != nil {
				return fail(cmd, "Failed to store metadata", err)
			}
			success(cmd, "Stored %d metadata entries for %s", len(values), args[0])
			return nil
		},
	})

	cmd.AddCommand(list, create, show, remove, unregister, factors, metadata)
	return cmd
}
