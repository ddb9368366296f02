// Command migrate управляет схемой базы данных вне запуска API:
// применение, откат и снятие dirty-состояния после неудачной миграции.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	migrateV4 "github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/yourusername/linkbio-api/internal/config"
	"github.com/yourusername/linkbio-api/pkg/database"
)

var (
	configPath    string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage linkbio-api database schema",
	Long: `Apply, roll back or repair database migrations.

Examples:
  migrate up
  migrate down 1
  migrate version
  migrate force 3`,
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrateV4.Migrate) error {
			return ignoreNoChange(m.Up())
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down <steps>",
	Short: "Roll back the given number of migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, err := parsePositive(args[0])
		if err != nil {
			return err
		}
		return withMigrator(func(m *migrateV4.Migrate) error {
			return ignoreNoChange(m.Steps(-steps))
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrateV4.Migrate) error {
			version, dirty, err := m.Version()
			if errors.Is(err, migrateV4.ErrNilVersion) {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations (clears dirty state)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := parsePositive(args[0])
		if err != nil {
			return err
		}
		return withMigrator(func(m *migrateV4.Migrate) error {
			log.Printf("Forcing migration version to %d...", version)
			return m.Force(version)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("CONFIG_PATH", "config/config.yaml"), "path to config file")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", envOr("MIGRATIONS_DIR", database.DefaultMigrationsDir), "migrations directory")
	rootCmd.AddCommand(upCmd, downCmd, versionCmd, forceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func withMigrator(fn func(m *migrateV4.Migrate) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, err := database.NewPostgresDB(cfg.Database.PostgresConnectionString(), false)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	m, err := database.NewMigrator(db, migrationsDir)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	log.Println("Done.")
	return nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrateV4.ErrNoChange) {
		log.Println("No change.")
		return nil
	}
	return err
}

func parsePositive(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected a positive number, got %q", raw)
	}
	return n, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
