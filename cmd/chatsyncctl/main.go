package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	accountFlag string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsyncctl",
	Short: "Control a running chatsync daemon",
	Long:  "chatsyncctl talks to the per-account chatsyncd daemon over its Unix socket.",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&accountFlag, "account", "", "account name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output raw JSON")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
