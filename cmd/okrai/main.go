package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "okrai",
	Short: "okrai: AI request caching and spend control for OKR assistance",
	Long:  "okrai fronts the model providers behind the OKR assistant, providing response caching, per-principal rate limiting, spend budgets with auto-stop, request tracing and usage metering.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults, see configs/okrai.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
