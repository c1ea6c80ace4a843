package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/gatehouse/internal/auth/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		if err := app.Migrate(cfg); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print every mounted endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.Application, cfg app.Config) error {
			for _, r := range a.Routes() {
				method, path, _ := strings.Cut(r, " ")
				fmt.Fprintf(cmd.OutOrStdout(), "%-7s %s%s\n", method, cfg.BasePath, path)
			}
			return nil
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired sessions, codes and tokens once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app.Application, _ app.Config) error {
			n := a.Cleanup(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired rows\n", n)
			return nil
		})
	},
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	application, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run()
}

func withApp(cmd *cobra.Command, fn func(*app.Application, app.Config) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	application, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Close()
	return fn(application, cfg)
}
