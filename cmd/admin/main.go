// Command gatehouse-admin runs schema migrations and one-off maintenance
// against a gatehouse database.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/store/pg"
)

var (
	dsn     string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "gatehouse-admin",
	Short:         "Administer a gatehouse deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("GATEHOUSE_DATABASE_URL"), "PostgreSQL DSN (default $GATEHOUSE_DATABASE_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for the command")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		obs.Logger().WithError(err).Error("admin command failed")
		os.Exit(1)
	}
}

func openStore() (*pg.Store, error) {
	if dsn == "" {
		return nil, errors.New("missing DSN: provide --dsn or GATEHOUSE_DATABASE_URL")
	}
	return pg.Open(dsn)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
