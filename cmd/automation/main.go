package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/weddingflo/automation/internal/cli"
)

var rootCmd = &cobra.Command{Use: "automation"}

func main() {
	// Load .env if present; flags and env vars still win.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("db", "", "Database connection string (falls back to DATABASE_URL)")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
