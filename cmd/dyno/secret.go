// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyno-dev/dyno/internal/secrets"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// serviceName is the keyring service under which dyno stores secrets.
const serviceName = "dyno"

// secretStoreFactory creates a secrets.Store. Package-level so tests can
// substitute a mock implementation.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore(serviceName)
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long:  "Set, list, and delete secrets stored under the dyno service in the operating system keyring.",
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; reads the value from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSecretSet,
	}
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored secret names",
		RunE:  runSecretList,
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	name := args[0]

	var value string
	if len(args) == 2 {
		value = args[1]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return dynoerr.Errorf(dynoerr.CodeCLIInputInvalid, "reading secret value: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return dynoerr.New(dynoerr.CodeCLIInputInvalid, "secret value must not be empty")
	}

	if err := secretStoreFactory().Set(name, value); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored secret: %s\n", name)
	return nil
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	names, err := secretStoreFactory().List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(names) == 0 {
		_, _ = fmt.Fprintln(out, "No secrets stored.")
		return nil
	}
	for _, n := range names {
		_, _ = fmt.Fprintln(out, n)
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := secretStoreFactory().Delete(name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
	return nil
}
