package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "envchat",
	Short: "Environmental monitoring data assistant",
	Long: `envchat answers natural-language questions about water quality, algae,
hydrology, and weather data by combining semantic document search with
structured measurement queries.`,
}

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(askCmd, ingestCmd, documentsCmd, loadDataCmd, interactionsCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
