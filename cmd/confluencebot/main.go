package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "confluencebot",
	Short: "Multi-timeframe confluence trading bot",
	Long: `confluencebot scores setups across multiple timeframes, gates entries
through an account-level risk manager and manages open positions with
partial take-profits, breakeven stops and momentum exits.

Configuration comes from environment variables (or a .env file); run-specific
parameters come from command flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
