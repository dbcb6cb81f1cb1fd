package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	cli "github.com/urfave/cli/v3"
)

func secretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage encrypted secrets referenced as ${{secrets.KEY}} in action steps",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store or rotate a secret",
				ArgsUsage: "<key> [value]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "stdin", Usage: "Read the value from stdin"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key := cmd.Args().First()
					if key == "" {
						return fmt.Errorf("secret key is required")
					}
					value := cmd.Args().Get(1)
					if cmd.Bool("stdin") {
						data, err := io.ReadAll(os.Stdin)
						if err != nil {
							return fmt.Errorf("read stdin: %w", err)
						}
						value = strings.TrimRight(string(data), "\r\n")
					}
					if value == "" {
						return fmt.Errorf("secret value is required")
					}
					return withVault(ctx, cmd, func(ctx context.Context, r *runtime) error {
						if err := r.vault.Store(ctx, key, []byte(value)); err != nil {
							return err
						}
						fmt.Printf("stored %s\n", key)
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "List secret keys",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withVault(ctx, cmd, func(ctx context.Context, r *runtime) error {
						keys, err := r.vault.List(ctx)
						if err != nil {
							return err
						}
						for _, k := range keys {
							fmt.Println(k)
						}
						return nil
					})
				},
			},
			{
				Name:  "rekey",
				Usage: "Re-encrypt every secret under a new vault passphrase",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "new-key",
						Usage:   "New passphrase",
						Sources: cli.EnvVars("FLOWGATE_NEW_VAULT_KEY"),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					newKey := cmd.String("new-key")
					if newKey == "" {
						return fmt.Errorf("a new passphrase is required (--new-key or FLOWGATE_NEW_VAULT_KEY)")
					}
					return withVault(ctx, cmd, func(ctx context.Context, r *runtime) error {
						cfg := r.cfg
						cfg.VaultKey = newKey
						next, err := openVault(r.store, cfg)
						if err != nil {
							return err
						}
						n, err := r.vault.Rekey(ctx, next)
						if err != nil {
							return err
						}
						fmt.Printf("re-encrypted %d secrets; set FLOWGATE_VAULT_KEY to the new passphrase\n", n)
						return nil
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a secret",
				ArgsUsage: "<key>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key := cmd.Args().First()
					if key == "" {
						return fmt.Errorf("secret key is required")
					}
					return withVault(ctx, cmd, func(ctx context.Context, r *runtime) error {
						if err := r.vault.Delete(ctx, key); err != nil {
							return err
						}
						fmt.Printf("deleted %s\n", key)
						return nil
					})
				},
			},
		},
	}
}

func withVault(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, r *runtime) error) error {
	return withRuntime(ctx, cmd, func(ctx context.Context, r *runtime) error {
		if r.vault == nil {
			return fmt.Errorf("no vault key configured (set FLOWGATE_VAULT_KEY or vault_key in settings.json)")
		}
		return fn(ctx, r)
	})
}
