package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/auth"
	"stageline/internal/engine"
)

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Roles and credentials"}
	r.AddCommand(rbacWhoamiCmd())
	r.AddCommand(rbacGrantCmd())
	r.AddCommand(rbacAPIKeyCmd())
	return r
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting actor's permissions in the active workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				perms, err := e.Auth().Permissions(ctx, e.Config, ws, actor())
				if err != nil {
					return err
				}
				roles, err := e.Repo.ActorRoles(ctx, ws, actor())
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"workspace_id": ws,
					"actor_id":     actor(),
					"roles":        roles,
					"permissions":  perms,
				})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a configured role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				if err := e.Require(ctx, ws, actor(), auth.PermWorkspaceAdmin); err != nil {
					return err
				}
				if err := e.GrantRole(ctx, ws, target, role, actor()); err != nil {
					return err
				}
				fmt.Printf("granted %s to %s in %s\n", role, target, ws)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacAPIKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	c.AddCommand(apiKeyCreateCmd(), apiKeyListCmd(), apiKeyRevokeCmd())
	return c
}

func apiKeyListCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				if err := e.Require(ctx, ws, actor(), auth.PermWorkspaceAdmin); err != nil {
					return err
				}
				keys, err := e.ListAPIKeys(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, apiKeysTable)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "only keys of this actor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				if err := e.Require(ctx, ws, actor(), auth.PermWorkspaceAdmin); err != nil {
					return err
				}
				if err := e.RevokeAPIKey(ctx, ws, args[0], actor()); err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("revoked %s\n", args[0])
				}
				return nil
			})
		},
	}
}

func apiKeyCreateCmd() *cobra.Command {
	var target, name string
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				if err := e.Require(ctx, ws, actor(), auth.PermWorkspaceAdmin); err != nil {
					return err
				}
				if target == "" {
					target = actor()
				}
				key, plaintext, err := e.CreateAPIKey(ctx, ws, target, name, perms, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plaintext})
				}
				fmt.Printf("api key %s for %s:\n%s\n", key.ID, key.ActorID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor the key authenticates as (default: --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission carried by the key (repeatable)")
	return cmd
}
