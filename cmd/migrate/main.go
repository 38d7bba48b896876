package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/fleetota/control-plane/internal/config"
	"github.com/fleetota/control-plane/internal/storage/postgres/migrations"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Standard-profile PostgreSQL schema",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(
		upCmd(&configPath),
		downCmd(&configPath),
		statusCmd(&configPath),
		versionCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openMigrationDB(configPath string) (*sql.DB, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.RequiresPostgres() {
		return nil, nil, fmt.Errorf("profile %q has no PostgreSQL schema to migrate", cfg.Profile)
	}

	db, err := sql.Open("pgx", cfg.GetDatabaseURL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return db, func() { _ = db.Close() }, nil
}

func upCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := openMigrationDB(*configPath)
			if err != nil {
				return err
			}
			defer closeDB()
			return goose.Up(db, ".")
		},
	}
}

func downCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := openMigrationDB(*configPath)
			if err != nil {
				return err
			}
			defer closeDB()
			return goose.Down(db, ".")
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the applied/pending status of each migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := openMigrationDB(*configPath)
			if err != nil {
				return err
			}
			defer closeDB()
			return goose.Status(db, ".")
		},
	}
}

func versionCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := openMigrationDB(*configPath)
			if err != nil {
				return err
			}
			defer closeDB()
			v, err := goose.GetDBVersion(db)
			if err != nil {
				return err
			}
			log.Printf("schema version: %d", v)
			return nil
		},
	}
}
