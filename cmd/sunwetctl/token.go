package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"sunwet.dev/sunwet/internal/access"
	"sunwet.dev/sunwet/internal/config"
)

func newTokenCreateCmd(configPath *string) *cobra.Command {
	var admin bool
	var menuItems []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bearer token grant and print the raw token once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			raw, err := randomToken()
			if err != nil {
				return err
			}
			hash, err := access.HashToken(raw)
			if err != nil {
				return err
			}
			if cfg.User.Inline == nil {
				cfg.User.Inline = &config.UserInline{}
			}
			cfg.User.Inline.Tokens = append(cfg.User.Inline.Tokens, config.TokenGrant{
				TokenHash: hash, Admin: admin, MenuItems: menuItems,
			})
			if err := saveConfig(*configPath, cfg); err != nil {
				return err
			}
			fmt.Println("token (copy this now, it will not be shown again):")
			fmt.Println(raw)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant full admin access")
	cmd.Flags().StringSliceVar(&menuItems, "menu-item", nil, "menu item id to grant (repeatable)")
	return cmd
}

func newTokenListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured token grants (hashes only; raw tokens are never stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.User.Inline == nil {
				return nil
			}
			for i, tg := range cfg.User.Inline.Tokens {
				fmt.Printf("%d: admin=%v menu_items=%v hash=%s\n", i, tg.Admin, tg.MenuItems, tg.TokenHash)
			}
			return nil
		},
	}
}

func newTokenRevokeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [index]",
		Short: "Remove a token grant by its list index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			var idx int
			if _, err := fmt.Sscanf(args[0], "%d", &idx); err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			if cfg.User.Inline == nil || idx < 0 || idx >= len(cfg.User.Inline.Tokens) {
				return fmt.Errorf("index %d out of range", idx)
			}
			cfg.User.Inline.Tokens = append(cfg.User.Inline.Tokens[:idx], cfg.User.Inline.Tokens[idx+1:]...)
			return saveConfig(*configPath, cfg)
		},
	}
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
