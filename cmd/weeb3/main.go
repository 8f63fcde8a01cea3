// Package main implements the weeb3 CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

var (
	configPath  string
	controlAddr string
)

var rootCmd = &cobra.Command{
	Use:   "weeb3",
	Short: "weeb3 retrieves content from a Swarm-style storage network",
	Long: `weeb3 is a light client for a content-addressed storage network.

It fetches chunks from connected peers, paying for them through per-peer
credit ledgers, reassembles files from their chunk trees, follows feeds to
their latest update and resolves paths inside manifests.

Run "weeb3 serve" to start a node; the other commands talk to a running node
through its local control API.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("weeb3 %s\n", version)
		fmt.Printf("Built: %s\n", buildTime)
		fmt.Printf("Commit: %s\n", commitHash)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control", "", "Control API address (default from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
