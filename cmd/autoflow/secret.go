package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/secrets"
	"github.com/rendis/autoflow/pkg/schema"
)

func newSecretCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets referenced by actions",
		Long: `Secrets are encrypted with secrets_key (or secrets_passphrase) before
they reach the database. Steps reference them by name, for example the
webhook.post "secret_ref" param.`,
	}
	cmd.AddCommand(newSecretSetCommand(a), newSecretListCommand(a), newSecretDeleteCommand(a))
	return cmd
}

func (a *app) requireVault(cmd *cobra.Command) (*secrets.Vault, error) {
	v, err := a.vault(cmd.Context())
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration,
			"no secrets key configured: set AUTOFLOW_SECRETS_KEY or AUTOFLOW_SECRETS_PASSPHRASE")
	}
	return v, nil
}

func newSecretSetCommand(a *app) *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret (value from --value or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.requireVault(cmd)
			if err != nil {
				return err
			}
			data := []byte(value)
			if !cmd.Flags().Changed("value") {
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				data = bytes.TrimRight(data, "\r\n")
			}
			if err := v.Put(cmd.Context(), args[0], data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored secret %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Secret value (prefer stdin to keep it out of shell history)")
	return cmd
}

func newSecretListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := a.requireVault(cmd)
			if err != nil {
				return err
			}
			names, err := v.List(cmd.Context())
			if err != nil {
				return err
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), names)
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

func newSecretDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.requireVault(cmd)
			if err != nil {
				return err
			}
			if err := v.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted secret %s\n", args[0])
			return nil
		},
	}
}
