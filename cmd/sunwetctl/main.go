// Command sunwetctl is the server administration CLI: it edits the
// token grants of a sunwet server's configuration file. Subcommand-tree
// layout (a root command wiring child commands defined in their own
// files) is grounded on dittofs's cmd/dfsctl.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sunwet.dev/sunwet/internal/osutil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "sunwetctl",
		Short: "Administer a sunwet server's token grants",
	}
	root.PersistentFlags().StringVar(&configPath, "config", osutil.DefaultConfigPath(), "path to the server configuration file")
	root.AddCommand(newTokenCmd(&configPath))
	return root
}

func newTokenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer token grants",
	}
	cmd.AddCommand(newTokenCreateCmd(configPath), newTokenListCmd(configPath), newTokenRevokeCmd(configPath))
	return cmd
}
