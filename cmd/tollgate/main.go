package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate: usage-based payment and metering ledger",
	Long:  "Tollgate meters API usage for a pay-per-request marketplace: it holds prepaid balances and escrow deposits, bills usage against registered endpoints, rate-limits submission, and keeps live analytics with a durable request archive.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/tollgate.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
