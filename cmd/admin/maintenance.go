package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/jobs"
)

var (
	seedCatalogPath string
	seedAdmin       auth.AdminSeed
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Install the permission catalog, its roles and an optional admin user",
	Long: `Seed is idempotent: existing permissions, roles and users are left untouched.
The admin password is read from GATEHOUSE_ADMIN_PASSWORD.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		catalog, err := auth.DefaultCatalog()
		if seedCatalogPath != "" {
			catalog, err = auth.LoadCatalog(seedCatalogPath)
		}
		if err != nil {
			return err
		}
		admin := seedAdmin
		admin.Password = os.Getenv("GATEHOUSE_ADMIN_PASSWORD")

		ctx, cancel := commandContext(cmd)
		defer cancel()
		report, err := auth.Bootstrap(ctx, store, catalog, admin)
		if err != nil {
			return err
		}
		for _, name := range report.RolesCreated {
			fmt.Fprintf(cmd.OutOrStdout(), "created role %s\n", name)
		}
		if report.AdminCreated {
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %s\n", admin.Email)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark pending invitations past their deadline as expired",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		engine, err := auth.NewInvitationEngine(store)
		if err != nil {
			return err
		}
		scheduler := jobs.NewScheduler(timeout)
		if err := scheduler.Add("invitation_sweep", "@every 1m", jobs.InvitationSweep(engine)); err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		counts, err := scheduler.RunOnce(ctx)
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", name, counts[name])
		}
		return err
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print a bcrypt hash for the password read from stdin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var password string
		if _, err := fmt.Fscanln(cmd.InOrStdin(), &password); err != nil {
			return errors.New("read password from stdin")
		}
		if err := auth.ValidatePassword(password, password); err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedCatalogPath, "catalog", "", "catalog YAML (default: built-in catalog)")
	seedCmd.Flags().StringVar(&seedAdmin.Email, "admin-email", "", "email of the admin user to create")
	seedCmd.Flags().StringVar(&seedAdmin.FullName, "admin-name", "Administrator", "display name of the admin user")
	seedCmd.Flags().StringVar(&seedAdmin.Role, "admin-role", "", "catalog role granted to the admin (default: first catalog role)")
	rootCmd.AddCommand(seedCmd, sweepCmd, hashPasswordCmd)
}
