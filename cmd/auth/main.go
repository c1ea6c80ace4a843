package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/gatehouse/internal/auth/app"
)

// rootCmd serves the API when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "gatehouse",
	Short: "Session, social sign-in and OpenID Connect provider service",
	Long: `gatehouse runs the authentication engine over HTTP.

Configuration is read from AUTH_ prefixed environment variables.`,
	Version:      app.BuildVersion,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	rootCmd.SetVersionTemplate(`{{printf "gatehouse version %s\n" .Version}}`)
	rootCmd.AddCommand(serveCmd, migrateCmd, routesCmd, cleanupCmd, keysCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
